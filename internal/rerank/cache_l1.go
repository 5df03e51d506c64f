package rerank

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// l1Entry is a cached exact-query score with its write timestamp, for TTL
// eviction (the LRU cache handles capacity eviction on its own).
type l1Entry struct {
	candidateID string
	score       float64
	ts          time.Time
}

// l1Cache is the exact-query cache: hash(query, candidate_id) -> score.
// Per Invariant 6, the key is a deterministic function of that pair. An
// auxiliary index from candidate id to cache keys supports eager
// invalidation when C11 merges or deletes a memory.
type l1Cache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, l1Entry]
	ttl   time.Duration
	byCandidate map[string]map[string]bool
}

func newL1Cache(size int, ttl time.Duration) *l1Cache {
	if size <= 0 {
		size = 128
	}
	lc := &l1Cache{ttl: ttl, byCandidate: make(map[string]map[string]bool)}
	c, _ := lru.NewWithEvict[string, l1Entry](size, func(key string, entry l1Entry) {
		if set, ok := lc.byCandidate[entry.candidateID]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(lc.byCandidate, entry.candidateID)
			}
		}
	})
	lc.cache = c
	return lc
}

// l1Key is a deterministic function of (query, candidateID), per Invariant 6.
func l1Key(query, candidateID string) string {
	h := sha256.Sum256([]byte(query + "\x00" + candidateID))
	return hex.EncodeToString(h[:])
}

func (c *l1Cache) Get(query, candidateID string, now time.Time) (float64, bool) {
	key := l1Key(query, candidateID)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache.Peek(key)
	if !ok {
		return 0, false
	}
	if c.ttl > 0 && now.Sub(entry.ts) > c.ttl {
		return 0, false
	}
	c.cache.Get(key) // promote for LRU recency
	return entry.score, true
}

func (c *l1Cache) Put(query, candidateID string, score float64, now time.Time) {
	key := l1Key(query, candidateID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, l1Entry{candidateID: candidateID, score: score, ts: now})
	set, ok := c.byCandidate[candidateID]
	if !ok {
		set = make(map[string]bool)
		c.byCandidate[candidateID] = set
	}
	set[key] = true
}

// InvalidateCandidate drops every cached score for candidateID across all
// queries that have touched it.
func (c *l1Cache) InvalidateCandidate(candidateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byCandidate[candidateID] {
		c.cache.Remove(key)
	}
	delete(c.byCandidate, candidateID)
}
