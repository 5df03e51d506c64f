package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWVectorStore implements VectorStore using coder/hnsw, a pure Go HNSW
// implementation.
type HNSWVectorStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64 // string ID -> internal key
	keyMap  map[uint64]string // internal key -> string ID
	nextKey uint64            // next available key

	vector   map[string][]float32         // id -> normalized vector (for Get)
	meta     map[string]map[string]string // id -> metadata
	document map[string]string            // id -> document text

	closed bool
}

// hnswMetadata stores ID mappings and per-record metadata for persistence.
type hnswMetadata struct {
	IDMap    map[string]uint64
	NextKey  uint64
	Config   VectorStoreConfig
	Vector   map[string][]float32
	Meta     map[string]map[string]string
	Document map[string]string
}

// NewHNSWVectorStore creates a new HNSW-based vector store.
func NewHNSWVectorStore(cfg VectorStoreConfig) (*HNSWVectorStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16 // coder/hnsw default recommendation
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20 // coder/hnsw default
	}
	if cfg.FilterOversample == 0 {
		cfg.FilterOversample = 4
	}
	if cfg.MaxFilterAttempts == 0 {
		cfg.MaxFilterAttempts = 4
	}

	graph := hnsw.NewGraph[uint64]()

	switch cfg.Metric {
	case "cos":
		graph.Distance = hnsw.CosineDistance
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}

	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25 // level generation factor (coder/hnsw's default)

	return &HNSWVectorStore{
		graph:    graph,
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		vector:   make(map[string][]float32),
		meta:     make(map[string]map[string]string),
		document: make(map[string]string),
		nextKey:  0,
	}, nil
}

// Add inserts or replaces records, keyed by id.
// If an ID already exists it is updated via lazy deletion (the stale node is
// orphaned rather than removed, avoiding a coder/hnsw bug when deleting the
// last node in the graph).
func (s *HNSWVectorStore) Add(ctx context.Context, records []*VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, r := range records {
		if len(r.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{
				Expected: s.config.Dimensions,
				Got:      len(r.Vector),
			}
		}
	}

	for _, r := range records {
		if existingKey, exists := s.idMap[r.ID]; exists {
			delete(s.keyMap, existingKey) // orphan the old key
			delete(s.idMap, r.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		node := hnsw.MakeNode(key, vec)
		s.graph.Add(node)

		s.idMap[r.ID] = key
		s.keyMap[key] = r.ID
		s.vector[r.ID] = vec

		if r.Metadata != nil {
			s.meta[r.ID] = cloneStringMap(r.Metadata)
		} else {
			delete(s.meta, r.ID)
		}
		s.document[r.ID] = r.Document
	}

	return nil
}

// Get returns a single record by id.
func (s *HNSWVectorStore) Get(ctx context.Context, id string) (*VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	if _, ok := s.idMap[id]; !ok {
		return nil, fmt.Errorf("vector record not found: %s", id)
	}

	return &VectorRecord{
		ID:       id,
		Vector:   append([]float32(nil), s.vector[id]...),
		Metadata: cloneStringMap(s.meta[id]),
		Document: s.document[id],
	}, nil
}

// UpdateMetadata replaces the stored metadata for id without touching its
// vector or document.
func (s *HNSWVectorStore) UpdateMetadata(ctx context.Context, id string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if _, ok := s.idMap[id]; !ok {
		return fmt.Errorf("vector record not found: %s", id)
	}
	s.meta[id] = cloneStringMap(meta)
	return nil
}

// Search finds the top_k nearest neighbors to query, optionally restricted
// to records whose metadata satisfies filter. When a filter is supplied, the
// candidate window is widened adaptively until topK matches are found or
// MaxFilterAttempts is exhausted — ANN libraries generally lack native
// predicate pushdown.
func (s *HNSWVectorStore) Search(ctx context.Context, query []float32, topK int, filter VectorFilter) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{
			Expected: s.config.Dimensions,
			Got:      len(query),
		}
	}

	if s.graph.Len() == 0 || topK <= 0 {
		return []*VectorResult{}, nil
	}

	normalizedQuery := make([]float32, len(query))
	copy(normalizedQuery, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalizedQuery)
	}

	if len(filter) == 0 {
		return s.searchWindow(normalizedQuery, topK, nil)
	}

	window := topK * s.config.FilterOversample
	if window < topK {
		window = topK
	}
	var results []*VectorResult
	for attempt := 0; attempt < s.config.MaxFilterAttempts; attempt++ {
		results = s.searchWindowSync(normalizedQuery, window, filter)
		if len(results) >= topK || window >= s.graph.Len() {
			break
		}
		window *= 2
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// searchWindow runs an unfiltered graph search and builds results.
func (s *HNSWVectorStore) searchWindow(query []float32, k int, filter VectorFilter) ([]*VectorResult, error) {
	return s.searchWindowSync(query, k, filter), nil
}

// searchWindowSync is the shared candidate-fetch-then-filter core. Caller
// must hold s.mu (read lock).
func (s *HNSWVectorStore) searchWindowSync(query []float32, k int, filter VectorFilter) []*VectorResult {
	nodes := s.graph.Search(query, k)

	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue // lazily-deleted orphan
		}
		if filter != nil && !filter.matches(s.meta[id]) {
			continue
		}

		distance := s.graph.Distance(query, node.Value)
		score := distanceToScore(distance, s.config.Metric)

		results = append(results, &VectorResult{
			ID:       id,
			Score:    score,
			Metadata: cloneStringMap(s.meta[id]),
			Document: s.document[id],
		})
	}

	return results
}

// Delete removes records by id. Uses lazy deletion: the node is orphaned in
// the graph but unmapped, so it never surfaces in results.
func (s *HNSWVectorStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.vector, id)
			delete(s.meta, id)
			delete(s.document, id)
		}
	}

	return nil
}

// AllIDs returns every id in the store.
func (s *HNSWVectorStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether id exists.
func (s *HNSWVectorStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	_, exists := s.idMap[id]
	return exists
}

// Count returns the number of live records.
func (s *HNSWVectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}

	return len(s.idMap)
}

// HNSWStats reports orphan counts, used by background compaction to decide
// when to rebuild the graph.
type HNSWStats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

// Stats returns store statistics for compaction decisions.
func (s *HNSWVectorStore) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HNSWStats{}
	}

	validIDs := len(s.idMap)
	graphNodes := s.graph.Len()

	return HNSWStats{
		ValidIDs:   validIDs,
		GraphNodes: graphNodes,
		Orphans:    graphNodes - validIDs,
	}
}

// Save persists the index to disk atomically (temp file then rename).
func (s *HNSWVectorStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	metaPath := path + ".meta"
	if err := s.saveMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	return nil
}

func (s *HNSWVectorStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:    s.idMap,
		NextKey:  s.nextKey,
		Config:   s.config,
		Vector:   s.vector,
		Meta:     s.meta,
		Document: s.document,
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load loads the index from disk.
func (s *HNSWVectorStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	metaPath := path + ".meta"
	if err := s.loadMetadata(metaPath); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	return nil
}

func (s *HNSWVectorStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata

	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.keyMap = make(map[uint64]string)
	s.nextKey = meta.NextKey
	s.config = meta.Config
	s.vector = meta.Vector
	if s.vector == nil {
		s.vector = make(map[string][]float32)
	}
	s.meta = meta.Meta
	if s.meta == nil {
		s.meta = make(map[string]map[string]string)
	}
	s.document = meta.Document
	if s.document == nil {
		s.document = make(map[string]string)
	}

	for id, key := range s.idMap {
		s.keyMap[key] = id
	}

	return nil
}

// Close releases resources.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.graph = nil

	return nil
}

// ReadHNSWVectorStoreDimensions reads the dimensions from an existing store's
// metadata. Returns 0 if the metadata file doesn't exist (fresh start).
func ReadHNSWVectorStoreDimensions(vectorPath string) (int, error) {
	metaPath := vectorPath + ".meta"

	file, err := os.Open(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open hnsw metadata: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close hnsw metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&meta); err != nil {
		return 0, fmt.Errorf("failed to decode hnsw metadata: %w", err)
	}

	return meta.Config.Dimensions, nil
}

var _ VectorStore = (*HNSWVectorStore)(nil)

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance value to a similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "cos":
		return 1.0 - distance/2.0
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
