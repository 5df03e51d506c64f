package store

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// TextTokenizerName is the name of our natural-language tokenizer.
	TextTokenizerName = "brain_text_tokenizer"

	// TextStopFilterName is the name of our stop word filter.
	TextStopFilterName = "brain_text_stop"

	// TextAnalyzerName is the name of our custom text analyzer.
	TextAnalyzerName = "brain_text_analyzer"

	// docsSidecarName is the gob sidecar holding original document text,
	// since Bleve's stored fields aren't used for full-text retrieval here.
	docsSidecarName = "_docs.gob"
)

func init() {
	_ = registry.RegisterTokenizer(TextTokenizerName, textTokenizerConstructor)
	_ = registry.RegisterTokenFilter(TextStopFilterName, textStopFilterConstructor)
}

// BleveLexicalIndex implements LexicalIndex using Bleve v2's BM25 scoring
// over a natural-language analyzer.
type BleveLexicalIndex struct {
	mu        sync.RWMutex
	index     bleve.Index
	path      string
	config    BM25Config
	closed    bool
	stopWords map[string]struct{}
	docs      map[string]string // id -> original text, for Get
}

// bleveLexicalDoc is the document structure indexed by Bleve.
type bleveLexicalDoc struct {
	Content string `json:"content"`
}

// validateIndexIntegrity checks if a Bleve index is valid before opening.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isCorruptionError checks if an error indicates Bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		strings.Contains(errStr, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveLexicalIndex creates a new BM25-backed lexical index. If path is
// empty, creates an in-memory index. Validates integrity before opening and
// auto-recovers (rebuild from scratch) on detected corruption.
func NewBleveLexicalIndex(path string, config BM25Config) (*BleveLexicalIndex, error) {
	indexMapping, err := createTextIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted", slog.String("path", path), slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("lexical_index_cleared", slog.String("path", path), slog.String("reason", "corruption detected, please reindex"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("lexical_index_open_failed", slog.String("path", path), slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			slog.Info("lexical_index_cleared", slog.String("path", path), slog.String("reason", "open failed with corruption, please reindex"))
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	docs := make(map[string]string)
	if path != "" {
		if loaded, err := loadDocsSidecar(filepath.Join(path, docsSidecarName)); err == nil {
			docs = loaded
		}
	}

	return &BleveLexicalIndex{
		index:     idx,
		path:      path,
		config:    config,
		stopWords: BuildStopWordMap(config.StopWords),
		docs:      docs,
	}, nil
}

// createTextIndexMapping creates the Bleve mapping with BM25 scoring over
// natural-language tokens.
func createTextIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(TextAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": TextTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			TextStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	indexMapping.DefaultAnalyzer = TextAnalyzerName
	indexMapping.ScoringModel = "bm25"

	return indexMapping, nil
}

// AddDocument indexes (or reindexes) text under id.
func (b *BleveLexicalIndex) AddDocument(ctx context.Context, id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	if err := b.index.Index(id, bleveLexicalDoc{Content: text}); err != nil {
		return fmt.Errorf("failed to index document %s: %w", id, err)
	}
	b.docs[id] = text

	return b.persistDocsLocked()
}

// Get returns the indexed text for id.
func (b *BleveLexicalIndex) Get(ctx context.Context, id string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return "", false, fmt.Errorf("index is closed")
	}

	text, ok := b.docs[id]
	return text, ok, nil
}

// Search returns documents matching query, scored by BM25, tie-broken by
// descending score then ascending id.
func (b *BleveLexicalIndex) Search(ctx context.Context, queryStr string, topK int) ([]*LexicalResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	if strings.TrimSpace(queryStr) == "" || topK <= 0 {
		return []*LexicalResult{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	searchRequest := bleve.NewSearchRequest(matchQuery)
	searchRequest.Size = topK

	result, err := b.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*LexicalResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &LexicalResult{ID: hit.ID, Score: hit.Score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	return results, nil
}

// Delete removes documents by id.
func (b *BleveLexicalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
		delete(b.docs, id)
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}

	return b.persistDocsLocked()
}

// AllIDs returns every document id in the index.
func (b *BleveLexicalIndex) AllIDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	ids := make([]string, 0, len(b.docs))
	for id := range b.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns index statistics.
func (b *BleveLexicalIndex) Count() *LexicalStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return &LexicalStats{}
	}

	docCount, _ := b.index.DocCount()

	return &LexicalStats{
		DocumentCount: int(docCount),
	}
}

// Snapshot persists the index atomically: the live Bleve directory and the
// docs sidecar are copied into a temp directory, then renamed over path.
func (b *BleveLexicalIndex) Snapshot(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}
	if b.path == "" {
		return fmt.Errorf("cannot snapshot an in-memory index")
	}

	if err := b.persistDocsLockedRO(); err != nil {
		return fmt.Errorf("failed to persist docs sidecar: %w", err)
	}

	return copyDirAtomic(b.path, path)
}

// Restore loads the index from a prior snapshot, replacing the live index.
func (b *BleveLexicalIndex) Restore(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index != nil && !b.closed {
		_ = b.index.Close()
	}

	if b.path == "" {
		return fmt.Errorf("cannot restore into an in-memory index")
	}

	if err := copyDirAtomic(path, b.path); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	idx, err := bleve.Open(b.path)
	if err != nil {
		return fmt.Errorf("failed to open restored index: %w", err)
	}

	docs, err := loadDocsSidecar(filepath.Join(b.path, docsSidecarName))
	if err != nil {
		docs = make(map[string]string)
	}

	b.index = idx
	b.docs = docs
	b.closed = false

	return nil
}

// Close closes the index.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// persistDocsLocked writes the docs sidecar; caller must hold the write lock.
func (b *BleveLexicalIndex) persistDocsLocked() error {
	if b.path == "" {
		return nil
	}
	return saveDocsSidecar(filepath.Join(b.path, docsSidecarName), b.docs)
}

// persistDocsLockedRO writes the docs sidecar; caller must hold the read lock
// (safe because the sidecar is write-temp-then-rename and doesn't mutate b).
func (b *BleveLexicalIndex) persistDocsLockedRO() error {
	if b.path == "" {
		return nil
	}
	return saveDocsSidecar(filepath.Join(b.path, docsSidecarName), b.docs)
}

func saveDocsSidecar(path string, docs map[string]string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp docs sidecar: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(docs); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode docs sidecar: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close docs sidecar: %w", err)
	}

	return os.Rename(tmpPath, path)
}

func loadDocsSidecar(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var docs map[string]string
	if err := gob.NewDecoder(file).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode docs sidecar: %w", err)
	}
	return docs, nil
}

// copyDirAtomic copies the directory tree at src into dst, replacing any
// existing dst atomically via rename.
func copyDirAtomic(src, dst string) error {
	tmp := dst + ".snapshot-tmp"
	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return fmt.Errorf("create snapshot staging dir: %w", err)
	}
	if err := os.CopyFS(tmp, os.DirFS(src)); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("copy index tree: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("remove previous snapshot: %w", err)
	}
	return os.Rename(tmp, dst)
}

// Verify interface implementation
var _ LexicalIndex = (*BleveLexicalIndex)(nil)

// textTokenizerConstructor creates a new natural-language tokenizer for Bleve.
func textTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveTextTokenizer{}, nil
}

// bleveTextTokenizer implements analysis.Tokenizer over TokenizeText's
// ASCII alphanumeric tokenization of memory content.
type bleveTextTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *bleveTextTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := TokenizeText(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0

	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), strings.ToLower(token))
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}

	return result
}

// textStopFilterConstructor creates a stop word filter for Bleve.
func textStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveTextStopFilter{
		stopWords: BuildStopWordMap(DefaultEnglishStopWords),
	}, nil
}

// bleveTextStopFilter implements analysis.TokenFilter for stop words.
type bleveTextStopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *bleveTextStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		term := strings.ToLower(string(token.Term))
		if _, isStop := f.stopWords[term]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
