// Package project implements the project memory pool (C10): it warms a
// project's memories into the reranker's semantic cache and applies a
// graduated degradation protocol so a confirmed project filter only
// narrows results when it actually improves them.
package project

import (
	"context"
	"sync"
	"time"

	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/domain"
	"github.com/brainkeep/externalbrain/internal/embed"
	"github.com/brainkeep/externalbrain/internal/rerank"
	"github.com/brainkeep/externalbrain/internal/store"
)

// Stats is the observable record returned by Warm/Prefetch.
type Stats struct {
	MemoriesLoaded    int
	CacheEntriesAdded int
	PoolLoadedAt      time.Time
}

type entry struct {
	ids      map[string]bool
	loadedAt time.Time
	stats    Stats
}

func (e *entry) expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.loadedAt) > ttl
}

// Pool tracks the warmed memory-id sets for each project that has been
// prefetched, with TTL-based expiry.
type Pool struct {
	meta     store.MetadataStore
	embedder embed.Router
	reranker *rerank.Reranker
	cfg      config.ProjectConfig

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Pool over the metadata store (for memory lookups), the
// router (for summary embeddings), and the reranker whose L3 cache gets
// warmed.
func New(meta store.MetadataStore, embedder embed.Router, reranker *rerank.Reranker, cfg config.ProjectConfig) *Pool {
	return &Pool{meta: meta, embedder: embedder, reranker: reranker, cfg: cfg, entries: make(map[string]*entry)}
}

// Warm loads up to cfg.MaxMemories memories for projectID, embeds each
// memory's representative text (summary if present, else content), and
// populates the reranker's L3 cache with (embedding, memory_strength) per
// memory id, per spec.md §4.10. It records and returns the pool stats.
func (p *Pool) Warm(ctx context.Context, projectID string) (Stats, error) {
	memories, err := p.loadMemories(ctx, projectID)
	if err != nil {
		return Stats{}, err
	}

	ids := make(map[string]bool, len(memories))
	cacheEntries := 0
	for _, m := range memories {
		ids[m.ID] = true
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		if text == "" {
			continue
		}
		vec, err := p.embedder.Embed(ctx, text)
		if err != nil {
			continue
		}
		if p.reranker != nil {
			p.reranker.WarmL3(m.ID, vec, memoryStrength(m))
			cacheEntries++
		}
	}

	stats := Stats{
		MemoriesLoaded:    len(memories),
		CacheEntriesAdded: cacheEntries,
		PoolLoadedAt:      time.Now(),
	}

	p.mu.Lock()
	p.entries[projectID] = &entry{ids: ids, loadedAt: stats.PoolLoadedAt, stats: stats}
	p.mu.Unlock()

	return stats, nil
}

func (p *Pool) loadMemories(ctx context.Context, projectID string) ([]*domain.Memory, error) {
	max := p.cfg.MaxMemories
	if max <= 0 {
		max = 100
	}
	var out []*domain.Memory
	cursor := ""
	for len(out) < max {
		batch, next, err := p.meta.ListMemoriesByProject(ctx, projectID, cursor, max-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if next == "" || len(batch) == 0 {
			break
		}
		cursor = next
	}
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// MemoryIDs returns the set of memory ids constituting the warmed pool for
// projectID, and whether the pool is present and unexpired.
func (p *Pool) MemoryIDs(projectID string) (map[string]bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[projectID]
	if !ok {
		return nil, false
	}
	if e.expired(p.poolTTL(), time.Now()) {
		delete(p.entries, projectID)
		return nil, false
	}
	return e.ids, true
}

// Evict explicitly drops a project's warmed pool.
func (p *Pool) Evict(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, projectID)
}

// Stats returns the last recorded warm stats for projectID, if any.
func (p *Pool) Stats(projectID string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[projectID]
	if !ok {
		return Stats{}, false
	}
	return e.stats, true
}

func (p *Pool) poolTTL() time.Duration {
	if p.cfg.PoolTTLSeconds <= 0 {
		return 8 * time.Hour
	}
	return time.Duration(p.cfg.PoolTTLSeconds) * time.Second
}

// memoryStrength mirrors the C8 fusion formula (0.5*importance +
// 0.5*confidence) so a warmed L3 entry's prior score is commensurate with
// a candidate's composite score the first time it is reused.
func memoryStrength(m *domain.Memory) float64 {
	return 0.5*domain.ClampUnit(m.Importance) + 0.5*domain.ClampUnit(m.Confidence)
}
