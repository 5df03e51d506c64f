// Package rerank implements the cross-encoder reranker (C9): a three-tier
// cache cascade (exact query, keyword signature, semantic similarity) in
// front of an LLM-backed pairwise relevance scorer, bounded by a worker
// pool so a saturated backend degrades to the hybrid composite score
// instead of stalling a query.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/search"
)

// Tier identifies which stage of the cascade produced a candidate's score.
type Tier string

const (
	TierL1        Tier = "l1_exact"
	TierL2        Tier = "l2_keyword"
	TierL3        Tier = "l3_semantic"
	TierLLM       Tier = "llm"
	TierHeuristic Tier = "heuristic_fallback"
)

// Metrics accumulates cascade counters for one Rerank call.
type Metrics struct {
	mu                 sync.Mutex
	L1Hits             int
	L2Hits             int
	L3Hits             int
	LLMCalls           int
	LLMFailures        int
	HeuristicFallbacks int
	QueueWaitMax       time.Duration
}

func (m *Metrics) record(tier Tier, waited time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch tier {
	case TierL1:
		m.L1Hits++
	case TierL2:
		m.L2Hits++
	case TierL3:
		m.L3Hits++
	case TierLLM:
		m.LLMCalls++
	case TierHeuristic:
		m.HeuristicFallbacks++
	}
	if waited > m.QueueWaitMax {
		m.QueueWaitMax = waited
	}
}

func (m *Metrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LLMFailures++
}

// Reranker orchestrates the L1->L2->L3->LLM scoring cascade over a
// candidate set surfaced by hybrid search.
type Reranker struct {
	router embed.Router
	idf    IDFProvider

	l1 *l1Cache
	l2 *l2Cache
	l3 *l3Cache

	pool         *workerPool
	queueWaitMax time.Duration
}

// New builds a Reranker from C9 configuration. idf may be nil, in which
// case the keyword signature falls back to lexical ordering.
func New(router embed.Router, cfg config.RerankerConfig, idf IDFProvider) *Reranker {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	return &Reranker{
		router:       router,
		idf:          idf,
		l1:           newL1Cache(cfg.CacheL1Size, ttl),
		l2:           newL2Cache(cfg.CacheL2Size, ttl),
		l3:           newL3Cache(cfg.CacheL1Size, cfg.L3MaxPerCandidate, cfg.SemanticThreshold, ttl),
		pool:         newWorkerPool(cfg.ParallelWorkers),
		queueWaitMax: time.Duration(cfg.QueueWaitMaxMS) * time.Millisecond,
	}
}

// Rerank scores each candidate against query through the cache cascade,
// falling back to the candidate's existing composite score whenever the
// cascade bottoms out at an LLM call that fails, times out, or returns an
// unparseable response. The returned slice is sorted by rerank score
// descending, composite score descending, then memory id ascending, and
// truncated to topK.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []*search.Candidate, topK int) ([]*search.Candidate, *Metrics, error) {
	metrics := &Metrics{}
	if len(candidates) == 0 {
		return candidates, metrics, nil
	}

	signature := KeywordSignature(query, r.idf)

	var queryEmbedding []float32
	var embedErr error
	var embedOnce sync.Once
	getEmbedding := func() ([]float32, error) {
		embedOnce.Do(func() {
			queryEmbedding, embedErr = r.router.Embed(ctx, query)
		})
		return queryEmbedding, embedErr
	}

	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			score, tier := r.scoreOne(gctx, query, signature, cand, getEmbedding, now, metrics)
			cand.RerankScore = score
			_ = tier
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, metrics, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RerankScore != candidates[j].RerankScore {
			return candidates[i].RerankScore > candidates[j].RerankScore
		}
		if candidates[i].CompositeScore != candidates[j].CompositeScore {
			return candidates[i].CompositeScore > candidates[j].CompositeScore
		}
		return candidates[i].MemoryID < candidates[j].MemoryID
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, metrics, nil
}

// scoreOne runs the cascade for a single candidate. It never returns an
// error: any failure downgrades to the heuristic fallback score.
func (r *Reranker) scoreOne(
	ctx context.Context,
	query, signature string,
	cand *search.Candidate,
	getEmbedding func() ([]float32, error),
	now time.Time,
	metrics *Metrics,
) (float64, Tier) {
	if score, ok := r.l1.Get(query, cand.MemoryID, now); ok {
		metrics.record(TierL1, 0)
		return score, TierL1
	}
	if score, ok := r.l2.Get(signature, cand.MemoryID, now); ok {
		metrics.record(TierL2, 0)
		r.l1.Put(query, cand.MemoryID, score, now)
		return score, TierL2
	}

	queryEmbedding, embedErr := getEmbedding()
	if embedErr == nil {
		if score, ok := r.l3.Get(cand.MemoryID, queryEmbedding, now); ok {
			metrics.record(TierL3, 0)
			r.l1.Put(query, cand.MemoryID, score, now)
			r.l2.Put(signature, cand.MemoryID, score, now)
			return score, TierL3
		}
	}

	release, waited, ok := r.pool.acquire(ctx, r.queueWaitMax)
	if !ok {
		metrics.record(TierHeuristic, waited)
		return cand.CompositeScore, TierHeuristic
	}
	defer release()

	score, err := r.callLLM(ctx, query, cand)
	if err != nil {
		metrics.recordFailure()
		metrics.record(TierHeuristic, waited)
		return cand.CompositeScore, TierHeuristic
	}

	metrics.record(TierLLM, waited)
	r.l1.Put(query, cand.MemoryID, score, now)
	r.l2.Put(signature, cand.MemoryID, score, now)
	if embedErr == nil {
		r.l3.Put(cand.MemoryID, queryEmbedding, score, now)
	}
	return score, TierLLM
}

// Invalidate drops every cached score for memoryID across all three
// tiers. C11 calls this eagerly whenever a memory is merged, compressed,
// or forgotten so stale rerank scores never outlive their source memory.
func (r *Reranker) Invalidate(memoryID string) {
	r.l1.InvalidateCandidate(memoryID)
	r.l2.InvalidateCandidate(memoryID)
	r.l3.InvalidateCandidate(memoryID)
}

// WarmL3 seeds the L3 cache with a (summary_embedding, prior_score) pair
// for candidateID without going through the scoring cascade. C10 calls
// this while warming a project's memory pool so the first live query
// against that project can hit L3 immediately.
func (r *Reranker) WarmL3(candidateID string, embedding []float32, priorScore float64) {
	r.l3.Put(candidateID, embedding, priorScore, time.Now())
}

const rerankPromptTemplate = `Rate how relevant the following memory is to the query on a scale from 0.0 (irrelevant) to 1.0 (perfectly relevant). Respond with only a JSON object: {"score": <number>}.

Query: %s

Memory: %s`

func buildRerankPrompt(query string, cand *search.Candidate) string {
	doc := cand.Document
	const maxLen = 2000
	if len(doc) > maxLen {
		doc = doc[:maxLen]
	}
	return fmt.Sprintf(rerankPromptTemplate, query, doc)
}

type rerankResponse struct {
	Score float64 `json:"score"`
}

func (r *Reranker) callLLM(ctx context.Context, query string, cand *search.Candidate) (float64, error) {
	prompt := buildRerankPrompt(query, cand)
	raw, err := r.router.Route(ctx, embed.TaskRerankScore, prompt, 32, 0.0)
	if err != nil {
		return 0, err
	}
	score, ok := parseScore(raw)
	if !ok {
		return 0, fmt.Errorf("rerank: unparseable LLM response: %q", raw)
	}
	return score, nil
}

// parseScore accepts either a {"score": x} JSON object or a bare numeric
// string, clamping the result to [0, 1].
func parseScore(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	var resp rerankResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err == nil {
		return clamp01(resp.Score), true
	}
	if start := strings.IndexByte(trimmed, '{'); start >= 0 {
		if end := strings.LastIndexByte(trimmed, '}'); end > start {
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &resp); err == nil {
				return clamp01(resp.Score), true
			}
		}
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return clamp01(f), true
	}
	return 0, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
