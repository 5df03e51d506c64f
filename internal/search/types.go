// Package search implements hybrid lexical+semantic retrieval (C8): BM25
// and dense vector search run in parallel, are fused into a single weighted
// composite score per spec.md §4.8, and collapsed to one candidate per
// parent memory.
package search

import (
	"context"

	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/qam"
)

// Weights are the C8 fusion weights. They must be non-negative and sum to
// 1.0 (validated at config load, spec.md §8 property 4).
type Weights struct {
	MemoryStrength  float64
	Recency         float64
	RefsReliability float64
	BM25            float64
	Vector          float64
	Metadata        float64
	RecencyTauDays  float64
}

// Options configures a single Search call.
type Options struct {
	// TopK is the number of results to return (after any downstream
	// reranking/filtering — this package returns CandidateCount candidates
	// and leaves TopK truncation to callers that rerank).
	CandidateCount int
	// ProjectID restricts the search to one project (an equality filter
	// applied directly at the vector/lexical layer, independent of C10's
	// pool-based filtering which happens after fusion).
	ProjectID string
	// SchemaFilter restricts results to one schema_type.
	SchemaFilter string
	// Attributes are the QAM-extracted query attributes used for the
	// metadata_bonus term.
	Attributes qam.Attributes
	Weights    Weights
}

// Components exposes the per-feature contributions of a candidate's
// composite score, for the §4.12 feature export.
type Components struct {
	MemoryStrength  float64
	Recency         float64
	RefsReliability float64
	BM25Norm        float64
	VectorSim       float64
	MetadataBonus   float64
}

// Candidate is a single memory surfaced by hybrid search, with raw and
// fused scores attached.
type Candidate struct {
	MemoryID       string
	ChunkID        string // the chunk within the memory that scored highest
	Memory         *domain.Memory
	Document       string
	BM25Score      float64
	BM25Rank       int
	VectorScore    float64
	VectorRank     int
	InBothLists    bool
	CompositeScore float64
	Components     Components
	// RerankScore is populated by C9 after cross-encoder scoring; zero
	// until a reranker has processed the candidate.
	RerankScore float64
}

// Metrics carries observability counters surfaced alongside search results.
type Metrics struct {
	BM25Hits       int
	VectorHits     int
	CandidateCount int
	PoolApplied    bool
	PoolReason     string
}

// MemoryLookup resolves candidate ids to their owning domain.Memory, used
// to compute memory_strength/recency/refs_reliability without the fusion
// layer depending on the full store.MetadataStore interface.
type MemoryLookup interface {
	GetMemories(ctx context.Context, ids []string) ([]*domain.Memory, error)
}
