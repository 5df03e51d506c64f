// Package replay implements the C12 regression harness: it drives a fixture
// of canonical (query, expected_relevant_ids) tuples through hybrid search
// and reranking, scores the results, and gates a run against a prior
// baseline the way scripts/run_regression_ci.py gates the original's nightly
// CI, plus exports per-candidate features for offline weight training.
package replay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/qam"
	"github.com/brainkeep/externalbrain/internal/rerank"
	"github.com/brainkeep/externalbrain/internal/search"
)

// Fixture is one canonical replay case: a query and the set of memory ids a
// correct result set must rank highly.
type Fixture struct {
	Query               string
	ExpectedRelevantIDs []string
	ProjectID           string
	SchemaFilter        string
}

// QueryResult captures one fixture's outcome: its ranked candidates and the
// precision/NDCG computed against its expected set.
type QueryResult struct {
	Query       string
	Precision   float64
	NDCG        float64
	ZeroHit     bool
	RankedIDs   []string
	RerankStats *rerank.Metrics
}

// Report is the aggregate outcome of one replay run.
type Report struct {
	RanAt            time.Time
	MacroPrecision   float64
	MacroNDCG        float64
	ZeroHitQueries   []string
	L1HitRate        float64
	L2HitRate        float64
	L3HitRate        float64
	LLMCalls         int
	LLMFailures      int
	HeuristicFallbacks int
	Results          []QueryResult
}

// FeatureRecord is one ranked candidate's composite-score breakdown plus a
// binary relevance label, the unit consumed by the offline weight trainer.
type FeatureRecord struct {
	Query      string
	MemoryID   string
	Components search.Components
	RerankScore float64
	IsRelevant bool
}

// Engine is the subset of *search.Engine the runner depends on.
type Engine interface {
	Search(ctx context.Context, query string, opts search.Options) ([]*search.Candidate, search.Metrics, error)
}

// Runner executes fixtures against the live search+rerank pipeline.
type Runner struct {
	engine   Engine
	reranker *rerank.Reranker
	weights  search.Weights
	topK     int
}

// New builds a Runner. topK bounds both the search candidate count passed
// through reranking and the @k cutoff used by precision/NDCG.
func New(engine Engine, reranker *rerank.Reranker, weights search.Weights, topK int) *Runner {
	if topK <= 0 {
		topK = 10
	}
	return &Runner{engine: engine, reranker: reranker, weights: weights, topK: topK}
}

// Run executes every fixture, aggregates the report, and returns the
// per-candidate feature records alongside it for training export.
func (r *Runner) Run(ctx context.Context, fixtures []Fixture) (Report, []FeatureRecord, error) {
	report := Report{RanAt: time.Now()}
	var features []FeatureRecord

	var sumPrecision, sumNDCG float64
	var l1, l2, l3, llmCalls, llmFailures, heuristic int

	for _, fx := range fixtures {
		candidates, _, err := r.engine.Search(ctx, fx.Query, search.Options{
			CandidateCount: r.topK * 4,
			ProjectID:      fx.ProjectID,
			SchemaFilter:   fx.SchemaFilter,
			Attributes:     qam.Attributes{},
			Weights:        r.weights,
		})
		if err != nil {
			return report, nil, fmt.Errorf("replay: search for %q: %w", fx.Query, err)
		}

		var metrics *rerank.Metrics
		if r.reranker != nil {
			candidates, metrics, err = r.reranker.Rerank(ctx, fx.Query, candidates, r.topK)
			if err != nil {
				return report, nil, fmt.Errorf("replay: rerank for %q: %w", fx.Query, err)
			}
		} else if len(candidates) > r.topK {
			candidates = candidates[:r.topK]
		}

		relevant := toSet(fx.ExpectedRelevantIDs)
		ranked := make([]string, 0, len(candidates))
		hits := 0
		for _, c := range candidates {
			ranked = append(ranked, c.MemoryID)
			isRelevant := relevant[c.MemoryID]
			if isRelevant {
				hits++
			}
			features = append(features, FeatureRecord{
				Query:       fx.Query,
				MemoryID:    c.MemoryID,
				Components:  c.Components,
				RerankScore: c.RerankScore,
				IsRelevant:  isRelevant,
			})
		}

		precision := precisionAtK(ranked, relevant)
		ndcg := ndcgAtK(ranked, relevant)
		zeroHit := hits == 0

		result := QueryResult{
			Query:       fx.Query,
			Precision:   precision,
			NDCG:        ndcg,
			ZeroHit:     zeroHit,
			RankedIDs:   ranked,
			RerankStats: metrics,
		}
		report.Results = append(report.Results, result)
		sumPrecision += precision
		sumNDCG += ndcg
		if zeroHit {
			report.ZeroHitQueries = append(report.ZeroHitQueries, fx.Query)
		}
		if metrics != nil {
			l1 += metrics.L1Hits
			l2 += metrics.L2Hits
			l3 += metrics.L3Hits
			llmCalls += metrics.LLMCalls
			llmFailures += metrics.LLMFailures
			heuristic += metrics.HeuristicFallbacks
		}
	}

	if n := len(fixtures); n > 0 {
		report.MacroPrecision = sumPrecision / float64(n)
		report.MacroNDCG = sumNDCG / float64(n)
	}
	total := l1 + l2 + l3 + llmCalls + heuristic
	if total > 0 {
		report.L1HitRate = float64(l1) / float64(total)
		report.L2HitRate = float64(l2) / float64(total)
		report.L3HitRate = float64(l3) / float64(total)
	}
	report.LLMCalls = llmCalls
	report.LLMFailures = llmFailures
	report.HeuristicFallbacks = heuristic

	return report, features, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func precisionAtK(ranked []string, relevant map[string]bool) float64 {
	if len(ranked) == 0 {
		return 0
	}
	hits := 0
	for _, id := range ranked {
		if relevant[id] {
			hits++
		}
	}
	return float64(hits) / float64(len(ranked))
}

func ndcgAtK(ranked []string, relevant map[string]bool) float64 {
	if len(relevant) == 0 {
		return 0
	}
	dcg := 0.0
	for i, id := range ranked {
		if relevant[id] {
			dcg += 1.0 / math.Log2(float64(i)+2)
		}
	}
	idealHits := len(relevant)
	if idealHits > len(ranked) {
		idealHits = len(ranked)
	}
	idcg := 0.0
	for i := 0; i < idealHits; i++ {
		idcg += 1.0 / math.Log2(float64(i)+2)
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

// GateResult is the outcome of comparing a Report against a prior baseline.
type GateResult struct {
	Passed  bool
	Reasons []string
}

// Gate evaluates report against baseline per §4.12's regression gate: fail
// on a macro_precision drop exceeding cfg.RegressionDeltaGate, on crossing
// cfg.RegressionAbsoluteMin, or on any zero-hit query.
func Gate(report Report, baselinePrecision float64, cfg config.ConsolidationConfig) GateResult {
	result := GateResult{Passed: true}

	delta := cfg.RegressionDeltaGate
	if delta <= 0 {
		delta = 0.02
	}
	absoluteMin := cfg.RegressionAbsoluteMin
	if absoluteMin <= 0 {
		absoluteMin = 0.80
	}

	if baselinePrecision-report.MacroPrecision > delta {
		result.Passed = false
		result.Reasons = append(result.Reasons, fmt.Sprintf(
			"macro_precision dropped by %.3f (baseline %.3f, current %.3f), exceeds gate %.3f",
			baselinePrecision-report.MacroPrecision, baselinePrecision, report.MacroPrecision, delta))
	}
	if report.MacroPrecision < absoluteMin {
		result.Passed = false
		result.Reasons = append(result.Reasons, fmt.Sprintf(
			"macro_precision %.3f below absolute minimum %.3f", report.MacroPrecision, absoluteMin))
	}
	if len(report.ZeroHitQueries) > 0 {
		result.Passed = false
		sorted := append([]string(nil), report.ZeroHitQueries...)
		sort.Strings(sorted)
		result.Reasons = append(result.Reasons, fmt.Sprintf(
			"%d zero-hit queries: %v", len(sorted), sorted))
	}

	return result
}
