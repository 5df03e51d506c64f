// Package store provides the vector index (C1), lexical index (C2), and
// SQLite-backed metadata persistence for memories, projects, and the event
// log.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/brainkeep/externalbrain/internal/domain"
)

// State keys for the metadata store's key-value side table.
const (
	// StateKeyIndexDimension stores the embedding dimension used for the index.
	StateKeyIndexDimension = "index_embedding_dimension"
	// StateKeyIndexModel stores the embedding model name used for the index.
	StateKeyIndexModel = "index_embedding_model"
	// StateKeyConsolidationLastRun stores the timestamp of the last C11 run.
	StateKeyConsolidationLastRun = "consolidation_last_run"
)

// CurrentSchemaVersion is the current metadata database schema version.
const CurrentSchemaVersion = 1

// MetadataStore persists Memory and Project rows, the forwarding map used
// when C11 merges two memories into one canonical id, and the append-only
// event log, in SQLite.
type MetadataStore interface {
	// Project operations
	SaveProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)

	// Memory operations
	SaveMemory(ctx context.Context, memory *domain.Memory) error
	GetMemory(ctx context.Context, id string) (*domain.Memory, error)
	GetMemories(ctx context.Context, ids []string) ([]*domain.Memory, error)
	ListMemoriesByProject(ctx context.Context, projectID, cursor string, limit int) ([]*domain.Memory, string, error)
	ListMemoriesByTier(ctx context.Context, tier domain.MemoryTier) ([]*domain.Memory, error)
	DeleteMemory(ctx context.Context, id string) error

	// UpdateMemoryTier moves a memory to next, rejecting a transition that
	// would violate Invariant 5 (monotone tier promotion).
	UpdateMemoryTier(ctx context.Context, id string, next domain.MemoryTier) error
	// TouchReference increments reference_count and sets last_referenced_at;
	// callers must ensure at >= created_at.
	TouchReference(ctx context.Context, id string, at time.Time) error

	// Forwarding map (S5 merge): resolving a superseded id returns its
	// canonical replacement.
	SaveForwarding(ctx context.Context, fromID, toID string) error
	ResolveForwarding(ctx context.Context, id string) (string, error)

	// Event log
	AppendEvent(ctx context.Context, entry *domain.EventLogEntry) error
	ListEvents(ctx context.Context, since time.Time, limit int) ([]*domain.EventLogEntry, error)

	// State operations (key-value store for runtime state)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// VectorRecord is a single embedding record stored in C1: one per chunk,
// one per memory summary.
type VectorRecord struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
	Document string
}

// VectorResult is a single vector search result, joined with its stored
// metadata and document text.
type VectorResult struct {
	ID       string
	Score    float32 // normalized similarity, higher is more similar
	Metadata map[string]string
	Document string
}

// VectorFilter is a conjunctive equality filter over stored metadata keys,
// e.g. {"project_id": "...", "schema_type": "incident"}.
type VectorFilter map[string]string

// matches reports whether meta satisfies every key/value pair in f.
func (f VectorFilter) matches(meta map[string]string) bool {
	for k, v := range f {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the embedding vector dimension (e.g. 768).
	Dimensions int

	// Metric is the distance metric: "cos" (cosine) or "l2" (euclidean).
	Metric string

	// M is HNSW max connections per layer.
	M int

	// EfSearch is HNSW query-time search width.
	EfSearch int

	// FilterOversample is the initial multiple of top_k fetched from the ANN
	// graph before applying a metadata filter.
	FilterOversample int

	// MaxFilterAttempts bounds the adaptive-widening loop for filtered search.
	MaxFilterAttempts int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:        dimensions,
		Metric:            "cos",
		M:                 16,
		EfSearch:          64,
		FilterOversample:  4,
		MaxFilterAttempts: 4,
	}
}

// VectorStore provides semantic search over embedding records (C1).
// Mutations change the in-memory index only; Save writes it to disk.
type VectorStore interface {
	// Add inserts or replaces records, keyed by id.
	Add(ctx context.Context, records []*VectorRecord) error

	// Get returns a single record by id.
	Get(ctx context.Context, id string) (*VectorRecord, error)

	// UpdateMetadata replaces the stored metadata for id without touching
	// its vector or document.
	UpdateMetadata(ctx context.Context, id string, meta map[string]string) error

	// Delete removes records by id.
	Delete(ctx context.Context, ids []string) error

	// Search finds the top_k nearest neighbors to query, optionally
	// restricted to records whose metadata satisfies filter.
	Search(ctx context.Context, query []float32, topK int, filter VectorFilter) ([]*VectorResult, error)

	// AllIDs returns every id in the store, for consistency checks against C2.
	AllIDs() []string

	// Contains reports whether id exists.
	Contains(id string) bool

	// Count returns the number of live records.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector whose length does not match the
// store's configured dimensions.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'brain reindex --force')", e.Expected, e.Got)
}

// LexicalResult is a single BM25 search result.
type LexicalResult struct {
	ID    string
	Score float64
}

// LexicalStats provides statistics about the lexical index.
type LexicalStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// LexicalIndex provides Okapi BM25 keyword search over chunk text (C2).
type LexicalIndex interface {
	// AddDocument indexes (or reindexes) text under id.
	AddDocument(ctx context.Context, id, text string) error

	// Get returns the indexed text for id.
	Get(ctx context.Context, id string) (string, bool, error)

	// Delete removes documents by id.
	Delete(ctx context.Context, ids []string) error

	// Search returns documents matching query, scored by BM25, tie-broken by
	// descending score then ascending id.
	Search(ctx context.Context, query string, topK int) ([]*LexicalResult, error)

	// AllIDs returns every document id in the index, for consistency checks.
	AllIDs() ([]string, error)

	// Count returns index statistics.
	Count() *LexicalStats

	// Snapshot persists the index atomically (write-temp-then-rename).
	Snapshot(path string) error
	// Restore loads the index from a prior snapshot.
	Restore(path string) error
	Close() error
}

// BM25Config configures the lexical index's scoring and tokenization.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2).
	K1 float64

	// B is the length normalization parameter (default: 0.75).
	B float64

	// StopWords is a list of words to filter out during tokenization.
	StopWords []string

	// MinTokenLength is the minimum token length to index (default: 2).
	MinTokenLength int
}

// DefaultBM25Config returns the default lexical index configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultEnglishStopWords,
		MinTokenLength: 2,
	}
}

// DefaultEnglishStopWords contains common English words filtered from
// memory content before indexing.
var DefaultEnglishStopWords = []string{
	"a", "an", "the", "and", "or", "but", "of", "to", "in", "on", "at", "by",
	"for", "with", "is", "are", "was", "were", "be", "been", "being", "it",
	"this", "that", "these", "those", "as", "from", "has", "have", "had",
}
