// Package consolidate implements the nightly consolidation and forgetting
// job (C11): clustering near-duplicate memories into merges, compressing
// aged low-value memories, promoting working memory through its lifecycle
// tiers, and deleting memories that have decayed into irrelevance. Every
// mutation flows back through the indexer so §3 Invariant 1 never lapses.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/brainkeep/externalbrain/internal/chunk"
	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/indexer"
	"github.com/brainkeep/externalbrain/internal/rerank"
	"github.com/brainkeep/externalbrain/internal/store"
)

// Report summarizes one consolidation run.
type Report struct {
	ClustersFound int
	Merged        int
	Compressed    int
	Promoted      int
	Forgotten     int
	RanAt         time.Time
}

// Consolidator drives the C11 job over the dual index and metadata store.
type Consolidator struct {
	meta     store.MetadataStore
	vector   store.VectorStore
	indexer  *indexer.Indexer
	router   embed.Router
	reranker *rerank.Reranker
	cfg      config.ConsolidationConfig
	working  config.WorkingMemoryConfig
}

// New builds a Consolidator. reranker may be nil in contexts (like replay
// tooling) that don't maintain a live rerank cache.
func New(meta store.MetadataStore, vector store.VectorStore, ix *indexer.Indexer, router embed.Router, reranker *rerank.Reranker, cfg config.ConsolidationConfig, working config.WorkingMemoryConfig) *Consolidator {
	return &Consolidator{meta: meta, vector: vector, indexer: ix, router: router, reranker: reranker, cfg: cfg, working: working}
}

// Run executes one full consolidation pass: clustering/merge, compression,
// tier promotion, then forgetting, in that order so a memory promoted or
// compressed this run is still eligible for the later forgetting check
// using its updated state.
func (c *Consolidator) Run(ctx context.Context) (Report, error) {
	report := Report{RanAt: time.Now()}

	clusters, merged, err := c.clusterAndMerge(ctx)
	if err != nil {
		return report, fmt.Errorf("consolidate: merge phase: %w", err)
	}
	report.ClustersFound = clusters
	report.Merged = merged

	compressed, err := c.compress(ctx)
	if err != nil {
		return report, fmt.Errorf("consolidate: compression phase: %w", err)
	}
	report.Compressed = compressed

	promoted, err := c.promote(ctx)
	if err != nil {
		return report, fmt.Errorf("consolidate: promotion phase: %w", err)
	}
	report.Promoted = promoted

	forgotten, err := c.forget(ctx)
	if err != nil {
		return report, fmt.Errorf("consolidate: forgetting phase: %w", err)
	}
	report.Forgotten = forgotten

	if err := c.meta.SetState(ctx, store.StateKeyConsolidationLastRun, report.RanAt.Format(time.RFC3339)); err != nil {
		return report, fmt.Errorf("consolidate: recording run timestamp: %w", err)
	}
	return report, nil
}

// NeedsCatchUp reports whether the last recorded consolidation run is
// missing or older than 24 hours, per spec.md §4.11's startup check.
func (c *Consolidator) NeedsCatchUp(ctx context.Context, now time.Time) (bool, error) {
	raw, err := c.meta.GetState(ctx, store.StateKeyConsolidationLastRun)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return true, nil
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true, nil
	}
	return now.Sub(last) > 24*time.Hour, nil
}

// tierRank orders lifecycle tiers for picking a merged memory's tier as
// the highest among its cluster members (never demoting one below where
// it already was, per Invariant 5).
func tierRank(t domain.MemoryTier) int {
	switch t {
	case domain.TierWorking:
		return 0
	case domain.TierShortTerm:
		return 1
	case domain.TierLongTerm:
		return 2
	default:
		return -1
	}
}

type summaryRecord struct {
	memory *domain.Memory
	vector []float32
}

func (c *Consolidator) loadSummaries(ctx context.Context) ([]*summaryRecord, error) {
	var out []*summaryRecord
	for _, tier := range []domain.MemoryTier{domain.TierWorking, domain.TierShortTerm, domain.TierLongTerm} {
		memories, err := c.meta.ListMemoriesByTier(ctx, tier)
		if err != nil {
			return nil, err
		}
		for _, m := range memories {
			rec, err := c.vector.Get(ctx, m.ID)
			if err != nil || rec == nil {
				continue
			}
			out = append(out, &summaryRecord{memory: m, vector: rec.Vector})
		}
	}
	return out, nil
}

// clusterAndMerge unions memory pairs whose summary embeddings are at
// least as similar as theta_cluster and share a schema_type, then merges
// each resulting cluster of size >= min_cluster_size into one memory.
func (c *Consolidator) clusterAndMerge(ctx context.Context) (clusters, merged int, err error) {
	records, err := c.loadSummaries(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(records) < 2 {
		return 0, 0, nil
	}

	byID := make(map[string]*summaryRecord, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		byID[r.memory.ID] = r
		ids = append(ids, r.memory.ID)
	}
	sort.Strings(ids)

	uf := newUnionFind(ids)
	theta := c.cfg.SimilarityThreshold
	for i := 0; i < len(ids); i++ {
		a := byID[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			b := byID[ids[j]]
			if a.memory.SchemaType != b.memory.SchemaType {
				continue
			}
			if rerank.CosineSimilarity(a.vector, b.vector) >= theta {
				uf.union(ids[i], ids[j])
			}
		}
	}

	minSize := c.cfg.MinClusterSize
	if minSize <= 0 {
		minSize = 2
	}
	for _, group := range uf.clusters() {
		if len(group) < minSize {
			continue
		}
		sort.Strings(group)
		clusters++
		if err := c.mergeCluster(ctx, group, byID); err != nil {
			return clusters, merged, err
		}
		merged++
	}
	return clusters, merged, nil
}

func (c *Consolidator) mergeCluster(ctx context.Context, memberIDs []string, byID map[string]*summaryRecord) error {
	canonicalID := memberIDs[0]

	var tagSet = map[string]bool{}
	var refSet = map[string]bool{}
	var refs []string
	var importance, confidence float64
	var earliest time.Time
	var latestRef time.Time
	var projectID *string
	highestTier := domain.TierWorking
	var bodies []string

	for _, id := range memberIDs {
		m := byID[id].memory
		for _, tag := range m.Tags {
			tagSet[tag] = true
		}
		for _, ref := range m.Refs {
			if !refSet[ref] {
				refSet[ref] = true
				refs = append(refs, ref)
			}
		}
		if m.Importance > importance {
			importance = m.Importance
		}
		if m.Confidence > confidence {
			confidence = m.Confidence
		}
		if earliest.IsZero() || m.CreatedAt.Before(earliest) {
			earliest = m.CreatedAt
		}
		if m.LastReferencedAt.After(latestRef) {
			latestRef = m.LastReferencedAt
		}
		if projectID == nil && m.ProjectID != nil {
			projectID = m.ProjectID
		}
		if tierRank(m.MemoryType) > tierRank(highestTier) {
			highestTier = m.MemoryType
		}
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		bodies = append(bodies, text)
	}

	mergedContent, err := c.router.Route(ctx, embed.TaskMergeSummary, buildMergePrompt(bodies), 1024, 0.3)
	if err != nil || mergedContent == "" {
		mergedContent = joinFallback(bodies)
	}

	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	merged := &domain.Memory{
		ID:               canonicalID,
		SchemaType:       byID[canonicalID].memory.SchemaType,
		Content:          mergedContent,
		CreatedAt:        earliest,
		LastReferencedAt: latestRef,
		MemoryType:       highestTier,
		Tags:             tags,
		Refs:             refs,
		ProjectID:        projectID,
		Importance:       domain.ClampUnit(importance),
		Confidence:       domain.ClampUnit(confidence),
	}

	chunks := chunk.Chunks(merged.ID, merged.Content, chunk.DefaultOptions())
	if err := c.indexer.IndexMemory(ctx, merged, chunks); err != nil {
		return fmt.Errorf("indexing merged memory %s: %w", merged.ID, err)
	}

	for _, id := range memberIDs {
		if id == canonicalID {
			continue
		}
		count, err := c.indexer.CountChunks(ctx, id)
		if err != nil {
			return err
		}
		if err := c.indexer.DeleteMemory(ctx, id, count); err != nil {
			return fmt.Errorf("deleting merged-away memory %s: %w", id, err)
		}
		if err := c.meta.SaveForwarding(ctx, id, canonicalID); err != nil {
			return err
		}
		if c.reranker != nil {
			c.reranker.Invalidate(id)
		}
	}
	if c.reranker != nil {
		c.reranker.Invalidate(canonicalID)
	}

	return c.meta.AppendEvent(ctx, &domain.EventLogEntry{
		Timestamp: time.Now(),
		Type:      domain.EventMerged,
		SubjectID: canonicalID,
		Old:       fmt.Sprintf("%v", memberIDs),
		New:       canonicalID,
	})
}

const mergePromptTemplate = `Merge the following related memories into one coherent summary that preserves every distinct fact:

%s`

func buildMergePrompt(bodies []string) string {
	joined := ""
	for i, b := range bodies {
		joined += fmt.Sprintf("--- memory %d ---\n%s\n\n", i+1, b)
	}
	return fmt.Sprintf(mergePromptTemplate, joined)
}

func joinFallback(bodies []string) string {
	out := ""
	for _, b := range bodies {
		out += b + "\n\n"
	}
	return out
}

// compress replaces the content of aged, low-importance, not-yet-compressed
// memories with a short LLM summary, and marks them to prevent a second pass.
func (c *Consolidator) compress(ctx context.Context) (int, error) {
	ageThreshold := time.Duration(c.cfg.AgeThresholdDays) * 24 * time.Hour
	now := time.Now()
	count := 0
	for _, tier := range []domain.MemoryTier{domain.TierWorking, domain.TierShortTerm, domain.TierLongTerm} {
		memories, err := c.meta.ListMemoriesByTier(ctx, tier)
		if err != nil {
			return count, err
		}
		for _, m := range memories {
			if m.Compressed {
				continue
			}
			if now.Sub(m.CreatedAt) <= ageThreshold {
				continue
			}
			if m.Importance >= c.cfg.ImportanceThreshold {
				continue
			}
			summary, err := c.router.Route(ctx, embed.TaskShortSummary, buildCompressPrompt(m.Content), 100, 0.2)
			if err != nil || summary == "" {
				summary = truncate(m.Content, 280)
			}
			m.Content = summary
			m.Compressed = true
			m.UpdatedAt = now
			if err := c.meta.SaveMemory(ctx, m); err != nil {
				return count, err
			}
			chunks := chunk.Chunks(m.ID, m.Content, chunk.DefaultOptions())
			if err := c.indexer.IndexMemory(ctx, m, chunks); err != nil {
				return count, err
			}
			if c.reranker != nil {
				c.reranker.Invalidate(m.ID)
			}
			if err := c.meta.AppendEvent(ctx, &domain.EventLogEntry{
				Timestamp: now, Type: domain.EventCompressed, SubjectID: m.ID,
			}); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

const compressPromptTemplate = `Summarize this memory in one or two sentences, preserving the key fact or decision:

%s`

func buildCompressPrompt(content string) string {
	return fmt.Sprintf(compressPromptTemplate, content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// promote advances working memories past their retention window to
// short_term, and short_term memories meeting the reference-count or
// importance bar to long_term.
func (c *Consolidator) promote(ctx context.Context) (int, error) {
	now := time.Now()
	count := 0

	retention := time.Duration(c.working.RetentionHours) * time.Hour
	working, err := c.meta.ListMemoriesByTier(ctx, domain.TierWorking)
	if err != nil {
		return count, err
	}
	for _, m := range working {
		if now.Sub(m.CreatedAt) <= retention {
			continue
		}
		if err := c.transition(ctx, m, domain.TierShortTerm); err != nil {
			return count, err
		}
		count++
	}

	shortTerm, err := c.meta.ListMemoriesByTier(ctx, domain.TierShortTerm)
	if err != nil {
		return count, err
	}
	for _, m := range shortTerm {
		if m.ReferenceCount < c.cfg.PromotionMinRefs && m.Importance < c.cfg.PromotionImportance {
			continue
		}
		if err := c.transition(ctx, m, domain.TierLongTerm); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (c *Consolidator) transition(ctx context.Context, m *domain.Memory, next domain.MemoryTier) error {
	if err := c.meta.UpdateMemoryTier(ctx, m.ID, next); err != nil {
		return err
	}
	return c.meta.AppendEvent(ctx, &domain.EventLogEntry{
		Timestamp: time.Now(), Type: domain.EventPromoted, SubjectID: m.ID,
		Old: string(m.MemoryType), New: string(next),
	})
}

// forget deletes long-term memories that have decayed into irrelevance:
// importance below the forget ceiling and no references within the
// inactivity window.
func (c *Consolidator) forget(ctx context.Context) (int, error) {
	now := time.Now()
	inactivity := time.Duration(c.cfg.ForgetInactiveDays) * 24 * time.Hour
	memories, err := c.meta.ListMemoriesByTier(ctx, domain.TierLongTerm)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range memories {
		if m.Importance >= c.cfg.ForgetImportanceMax {
			continue
		}
		if now.Sub(m.LastReferencedAt) < inactivity {
			continue
		}
		chunks, err := c.indexer.CountChunks(ctx, m.ID)
		if err != nil {
			return count, err
		}
		if err := c.indexer.DeleteMemory(ctx, m.ID, chunks); err != nil {
			return count, err
		}
		if c.reranker != nil {
			c.reranker.Invalidate(m.ID)
		}
		if err := c.meta.AppendEvent(ctx, &domain.EventLogEntry{
			Timestamp: now, Type: domain.EventForgotten, SubjectID: m.ID,
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
