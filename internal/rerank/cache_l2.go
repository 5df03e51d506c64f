package rerank

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// l2Entry is a cached keyword-signature score.
type l2Entry struct {
	candidateID string
	score       float64
	ts          time.Time
}

// l2Cache is the keyword-signature cache: paraphrases that reduce to the
// same KeywordSignature share a cache entry per candidate, so "fix the
// login bug" and "bug in login, fix it" hit the same slot.
type l2Cache struct {
	mu          sync.Mutex
	cache       *lru.Cache[string, l2Entry]
	ttl         time.Duration
	byCandidate map[string]map[string]bool
}

func newL2Cache(size int, ttl time.Duration) *l2Cache {
	if size <= 0 {
		size = 128
	}
	lc := &l2Cache{ttl: ttl, byCandidate: make(map[string]map[string]bool)}
	c, _ := lru.NewWithEvict[string, l2Entry](size, func(key string, entry l2Entry) {
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

func l2Key(signature, candidateID string) string {
	return signature + "\x00" + candidateID
}

func (c *l2Cache) Get(signature, candidateID string, now time.Time) (float64, bool) {
	if signature == "" {
		return 0, false
	}
	key := l2Key(signature, candidateID)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache.Peek(key)
	if !ok {
		return 0, false
	}
	if c.ttl > 0 && now.Sub(entry.ts) > c.ttl {
		return 0, false
	}
	c.cache.Get(key)
	return entry.score, true
}

func (c *l2Cache) Put(signature, candidateID string, score float64, now time.Time) {
	if signature == "" {
		return
	}
	key := l2Key(signature, candidateID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, l2Entry{candidateID: candidateID, score: score, ts: now})
	set, ok := c.byCandidate[candidateID]
	if !ok {
		set = make(map[string]bool)
		c.byCandidate[candidateID] = set
	}
	set[key] = true
}

// InvalidateCandidate drops every cached score for candidateID across all
// keyword signatures that have touched it.
func (c *l2Cache) InvalidateCandidate(candidateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byCandidate[candidateID] {
		c.cache.Remove(key)
	}
	delete(c.byCandidate, candidateID)
}
