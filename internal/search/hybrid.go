package search

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/store"
)

// Engine runs hybrid BM25+vector retrieval and weighted fusion (C8).
type Engine struct {
	lexical  store.LexicalIndex
	vector   store.VectorStore
	meta     store.MetadataStore
	embedder embed.Router
}

// NewEngine builds an Engine over the dual indices, the metadata store
// (for feature lookups), and the router (for query embedding).
func NewEngine(lexical store.LexicalIndex, vector store.VectorStore, meta store.MetadataStore, embedder embed.Router) *Engine {
	return &Engine{lexical: lexical, vector: vector, meta: meta, embedder: embedder}
}

// Search runs BM25 and dense search concurrently, fuses their results into
// one candidate per memory, and returns them sorted by composite score
// descending. Ordering between the two subtasks is unspecified but the
// output is deterministic given inputs and index state (spec.md §4.8).
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]*Candidate, Metrics, error) {
	if opts.CandidateCount <= 0 {
		opts.CandidateCount = 50
	}
	if query == "" {
		return []*Candidate{}, Metrics{}, nil
	}

	var bm25Results []*store.LexicalResult
	var vecResults []*store.VectorResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := e.lexical.Search(gctx, query, opts.CandidateCount)
		if err != nil {
			return err
		}
		bm25Results = res
		return nil
	})
	g.Go(func() error {
		vec, err := e.embedder.Embed(gctx, query)
		if err != nil {
			return err
		}
		filter := buildFilter(opts)
		res, err := e.vector.Search(gctx, vec, opts.CandidateCount, filter)
		if err != nil {
			return err
		}
		vecResults = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, Metrics{}, err
	}

	if len(bm25Results) == 0 && len(vecResults) == 0 {
		return []*Candidate{}, Metrics{BM25Hits: 0, VectorHits: 0}, nil
	}

	memoryIDs := collectMemoryIDs(bm25Results, vecResults)
	memories, err := e.meta.GetMemories(ctx, memoryIDs)
	if err != nil {
		return nil, Metrics{}, err
	}
	memoryByID := make(map[string]*domain.Memory, len(memories))
	for _, m := range memories {
		if m.IsMemoryEntry {
			memoryByID[m.ID] = m
		}
	}

	weights := opts.Weights
	if weights == (Weights{}) {
		weights = defaultWeights()
	}
	opts.Weights = weights

	candidates := fuse(bm25Results, vecResults, memoryByID, resolveMemoryID, opts, time.Now())
	if len(candidates) > opts.CandidateCount {
		candidates = candidates[:opts.CandidateCount]
	}

	metrics := Metrics{
		BM25Hits:       len(bm25Results),
		VectorHits:     len(vecResults),
		CandidateCount: len(candidates),
	}
	return candidates, metrics, nil
}

// resolveMemoryID maps a chunk id (or bare memory id, for a summary
// record) to its owning memory id.
func resolveMemoryID(id string) string {
	if memID, _, ok := domain.ParseChunkID(id); ok {
		return memID
	}
	return id
}

func collectMemoryIDs(bm25 []*store.LexicalResult, vec []*store.VectorResult) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		memID := resolveMemoryID(id)
		if memID != "" && !seen[memID] {
			seen[memID] = true
			ids = append(ids, memID)
		}
	}
	for _, r := range bm25 {
		add(r.ID)
	}
	for _, r := range vec {
		add(r.ID)
	}
	return ids
}

func buildFilter(opts Options) store.VectorFilter {
	filter := store.VectorFilter{}
	if opts.ProjectID != "" {
		filter["project_id"] = opts.ProjectID
	}
	if opts.SchemaFilter != "" {
		filter["schema_type"] = opts.SchemaFilter
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

func defaultWeights() Weights {
	return Weights{
		MemoryStrength:  0.15,
		Recency:         0.15,
		RefsReliability: 0.10,
		BM25:            0.25,
		Vector:          0.25,
		Metadata:        0.10,
		RecencyTauDays:  30,
	}
}
