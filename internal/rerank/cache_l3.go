package rerank

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// l3Observation is one previously-scored query embedding for a candidate.
type l3Observation struct {
	embedding []float32
	score     float64
	ts        time.Time
}

// l3Bucket holds the best-of-N recent observations for a single candidate,
// capped at maxPerCandidate (oldest evicted first once full).
type l3Bucket struct {
	observations []l3Observation
}

// l3Cache is the semantic-similarity cache: for each candidate, remembers
// up to maxPerCandidate prior (query_embedding, score) pairs. A new query
// hits the cache when its embedding's cosine similarity to some stored
// observation is >= theta (inclusive, per spec.md §4.9).
type l3Cache struct {
	mu              sync.Mutex
	buckets         *lru.Cache[string, *l3Bucket]
	maxPerCandidate int
	theta           float64
	ttl             time.Duration
}

func newL3Cache(candidateCapacity, maxPerCandidate int, theta float64, ttl time.Duration) *l3Cache {
	if candidateCapacity <= 0 {
		candidateCapacity = 512
	}
	if maxPerCandidate <= 0 {
		maxPerCandidate = 5
	}
	c, _ := lru.New[string, *l3Bucket](candidateCapacity)
	return &l3Cache{buckets: c, maxPerCandidate: maxPerCandidate, theta: theta, ttl: ttl}
}

// Get returns the score of the best matching observation (highest cosine
// similarity at or above theta), or false if none qualifies.
func (c *l3Cache) Get(candidateID string, queryEmbedding []float32, now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.buckets.Get(candidateID)
	if !ok {
		return 0, false
	}
	bestScore := 0.0
	bestSim := -1.0
	found := false
	for _, obs := range bucket.observations {
		if c.ttl > 0 && now.Sub(obs.ts) > c.ttl {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, obs.embedding)
		if sim >= c.theta && sim > bestSim {
			bestSim = sim
			bestScore = obs.score
			found = true
		}
	}
	return bestScore, found
}

// Put records a new (query_embedding, score) observation for candidateID,
// evicting the oldest observation once the per-candidate cap is reached.
func (c *l3Cache) Put(candidateID string, queryEmbedding []float32, score float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.buckets.Get(candidateID)
	if !ok {
		bucket = &l3Bucket{}
		c.buckets.Add(candidateID, bucket)
	}
	bucket.observations = append(bucket.observations, l3Observation{
		embedding: queryEmbedding, score: score, ts: now,
	})
	if len(bucket.observations) > c.maxPerCandidate {
		bucket.observations = bucket.observations[len(bucket.observations)-c.maxPerCandidate:]
	}
}

// InvalidateCandidate drops every stored observation for candidateID.
func (c *l3Cache) InvalidateCandidate(candidateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets.Remove(candidateID)
}

// CosineSimilarity is exported for callers outside the cascade (C10's pool
// warming, C11's clustering) that need the same similarity function the
// L3 cache uses internally.
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
