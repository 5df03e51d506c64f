package project

import "github.com/brainkeep/externalbrain/internal/search"

// Filter returns the subset of candidates whose memory id is a member of
// memoryIDs, preserving input order.
func Filter(candidates []*search.Candidate, memoryIDs map[string]bool) []*search.Candidate {
	out := make([]*search.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if memoryIDs[c.MemoryID] {
			out = append(out, c)
		}
	}
	return out
}

// DegradeResult reports which candidate set a query should use and why.
type DegradeResult struct {
	Candidates []*search.Candidate
	Filtered   bool
	Reason     string
}

// Apply implements the graduated degradation protocol from spec.md §4.10:
// a confirmed project filter is only honored when the filtered set is
// both large enough (>= topK) and strong enough (its weakest of the top
// topK scores clears minScore); otherwise the unfiltered candidates are
// used and the caller should log "pool_insufficient". confirmThreshold is
// theta_proj (config.ProjectConfig.PrefetchMinConfidence): a project is
// only considered "confirmed" by QAM at or above this confidence.
func Apply(candidates []*search.Candidate, memoryIDs map[string]bool, projectConfidence, confirmThreshold float64, topK int, minScore float64) DegradeResult {
	if projectConfidence < confirmThreshold || memoryIDs == nil {
		return DegradeResult{Candidates: candidates, Filtered: false, Reason: "project_not_confirmed"}
	}

	filtered := Filter(candidates, memoryIDs)
	if len(filtered) < topK {
		return DegradeResult{Candidates: candidates, Filtered: false, Reason: "pool_insufficient"}
	}

	weakest := filtered[0].CompositeScore
	for _, c := range filtered[:topK] {
		if c.CompositeScore < weakest {
			weakest = c.CompositeScore
		}
	}
	if weakest < minScore {
		return DegradeResult{Candidates: candidates, Filtered: false, Reason: "pool_insufficient"}
	}

	return DegradeResult{Candidates: filtered, Filtered: true, Reason: "project_filter_applied"}
}
