package qam

import "context"

// CoverageReport summarizes how often Stage 1 alone was sufficient across a
// batch of queries: a measure of whether the dictionary is keeping pace
// with real query traffic without spending LLM calls.
type CoverageReport struct {
	TotalQueries      int
	HeuristicOnly     int // Stage 1 alone met MinHeuristicAttributes
	FallbackTriggered int // Stage 2 was attempted
	FallbackRecovered int // Stage 2 raised the field count
	ZeroAttribute     int // neither stage found anything
}

// HeuristicCoverage returns the fraction of queries Stage 1 resolved
// without needing Stage 2.
func (r CoverageReport) HeuristicCoverage() float64 {
	if r.TotalQueries == 0 {
		return 0
	}
	return float64(r.HeuristicOnly) / float64(r.TotalQueries)
}

// MeasureCoverage runs Extract over queries and tallies how Stage 1 and
// Stage 2 contributed, without changing m's cost-budget bookkeeping
// semantics (each query still consumes budget exactly as a live Extract
// call would).
func MeasureCoverage(ctx context.Context, m *Model, queries []string) CoverageReport {
	var report CoverageReport
	report.TotalQueries = len(queries)

	for _, q := range queries {
		heuristic := m.extractHeuristic(q)
		willFallback := m.shouldFallback(heuristic)
		if !willFallback {
			if heuristic.fieldCount() == 0 {
				report.ZeroAttribute++
			} else {
				report.HeuristicOnly++
			}
			continue
		}

		report.FallbackTriggered++
		final := m.Extract(ctx, q)
		if final.fieldCount() > heuristic.fieldCount() {
			report.FallbackRecovered++
		}
		if final.fieldCount() == 0 {
			report.ZeroAttribute++
		}
	}
	return report
}
