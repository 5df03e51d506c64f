package search

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/qam"
	"github.com/brainkeep/externalbrain/internal/store"
)

// defaultDomainTrust is the open-question decision recorded in DESIGN.md:
// refs_reliability is a clamped sum of per-domain trust weights, falling
// back to a low trust for any domain not explicitly listed.
var defaultDomainTrust = map[string]float64{
	"github.com":      0.3,
	"stackoverflow.com": 0.2,
}

const defaultDomainTrustFallback = 0.1

// refsReliability computes a clamped sum of distinct reference-domain trust
// weights for a memory's Refs, per spec.md §4.8 and the open question in
// §9: "implementers must pick a clamped sum strategy and document it."
func refsReliability(refs []string) float64 {
	seen := make(map[string]bool, len(refs))
	var sum float64
	for _, ref := range refs {
		domainName := refDomain(ref)
		if domainName == "" || seen[domainName] {
			continue
		}
		seen[domainName] = true
		if trust, ok := defaultDomainTrust[domainName]; ok {
			sum += trust
		} else {
			sum += defaultDomainTrustFallback
		}
	}
	if sum > 1.0 {
		sum = 1.0
	}
	return sum
}

func refDomain(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(u.Host, "www."))
}

// recency implements recency = exp(-age_days / tau).
func recency(m *domain.Memory, tauDays float64, now time.Time) float64 {
	if tauDays <= 0 {
		tauDays = 30
	}
	ageDays := now.Sub(m.LastReferencedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / tauDays)
}

// memoryStrength blends a memory's own confidence in itself: equal parts
// importance (how much it matters) and confidence (how sure we are it's
// correct).
func memoryStrength(m *domain.Memory) float64 {
	return domain.ClampUnit(0.5*m.Importance + 0.5*m.Confidence)
}

// metadataBonus adds a small fixed increment per QAM attribute that matches
// the candidate's own metadata, per spec.md §4.8.
const metadataBonusIncrement = 0.25

func metadataBonus(m *domain.Memory, attrs qam.Attributes) float64 {
	var bonus float64
	if attrs.DocType != "" && strings.EqualFold(attrs.DocType, string(m.SchemaType)) {
		bonus += metadataBonusIncrement
	}
	if attrs.Project != "" && m.ProjectID != nil && strings.EqualFold(attrs.Project, *m.ProjectID) {
		bonus += metadataBonusIncrement
	}
	if attrs.Topic != "" {
		for _, tag := range m.Tags {
			if strings.EqualFold(tag, attrs.Topic) {
				bonus += metadataBonusIncrement
				break
			}
		}
	}
	if attrs.Severity != "" {
		for _, tag := range m.Tags {
			if strings.EqualFold(tag, attrs.Severity) {
				bonus += metadataBonusIncrement
				break
			}
		}
	}
	if bonus > 1.0 {
		bonus = 1.0
	}
	return bonus
}

// minMaxNormalize scales values into [0,1] over the local slice only (not
// globally), per spec.md §4.8.
func minMaxNormalize(values map[string]float64) map[string]float64 {
	if len(values) == 0 {
		return values
	}
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make(map[string]float64, len(values))
	if max == min {
		for k := range values {
			out[k] = 1.0
		}
		return out
	}
	for k, v := range values {
		out[k] = (v - min) / (max - min)
	}
	return out
}

// fuse collapses raw BM25 and vector results to one candidate per memory id
// (taking the max chunk score per source) and computes the composite score
// for every candidate.
func fuse(
	bm25 []*store.LexicalResult,
	vec []*store.VectorResult,
	memories map[string]*domain.Memory,
	chunkToMemory func(chunkID string) string,
	opts Options,
	now time.Time,
) []*Candidate {
	byMemory := make(map[string]*Candidate)

	rawBM25 := make(map[string]float64)
	rawVec := make(map[string]float64)

	get := func(memID string) *Candidate {
		c, ok := byMemory[memID]
		if !ok {
			c = &Candidate{MemoryID: memID}
			byMemory[memID] = c
		}
		return c
	}

	for rank, r := range bm25 {
		memID := chunkToMemory(r.ID)
		if memID == "" {
			continue
		}
		c := get(memID)
		if r.Score > c.BM25Score || c.BM25Rank == 0 {
			c.BM25Score = r.Score
			c.BM25Rank = rank + 1
			c.ChunkID = r.ID
		}
	}
	for rank, r := range vec {
		memID := chunkToMemory(r.ID)
		if memID == "" {
			continue
		}
		c := get(memID)
		if float64(r.Score) > c.VectorScore || c.VectorRank == 0 {
			c.VectorScore = float64(r.Score)
			c.VectorRank = rank + 1
			if c.ChunkID == "" {
				c.ChunkID = r.ID
			}
			c.Document = r.Document
		}
	}

	for memID, c := range byMemory {
		c.InBothLists = c.BM25Rank > 0 && c.VectorRank > 0
		if c.BM25Rank > 0 {
			rawBM25[memID] = c.BM25Score
		}
		if c.VectorRank > 0 {
			rawVec[memID] = c.VectorScore
		}
	}

	normBM25 := minMaxNormalize(rawBM25)
	normVec := minMaxNormalize(rawVec)

	candidates := make([]*Candidate, 0, len(byMemory))
	for memID, c := range byMemory {
		mem := memories[memID]
		if mem == nil {
			continue
		}
		c.Memory = mem

		comp := Components{
			MemoryStrength:  memoryStrength(mem),
			Recency:         recency(mem, opts.Weights.RecencyTauDays, now),
			RefsReliability: refsReliability(mem.Refs),
			BM25Norm:        normBM25[memID],
			VectorSim:       normVec[memID],
			MetadataBonus:   metadataBonus(mem, opts.Attributes),
		}
		c.Components = comp

		w := opts.Weights
		c.CompositeScore = w.MemoryStrength*comp.MemoryStrength +
			w.Recency*comp.Recency +
			w.RefsReliability*comp.RefsReliability +
			w.BM25*comp.BM25Norm +
			w.Vector*comp.VectorSim +
			w.Metadata*comp.MetadataBonus

		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return compositeLess(candidates[i], candidates[j])
	})
	return candidates
}

// compositeLess orders candidates by composite score desc, then memory id
// asc for determinism.
func compositeLess(a, b *Candidate) bool {
	if a.CompositeScore != b.CompositeScore {
		return a.CompositeScore > b.CompositeScore
	}
	return a.MemoryID < b.MemoryID
}
