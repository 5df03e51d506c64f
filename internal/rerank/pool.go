package rerank

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// workerPool bounds the number of concurrent LLM rerank calls in flight
// and tracks how long callers spend waiting for a slot, so the reranker
// can fall back to a heuristic score when the queue-wait budget is blown
// instead of letting a query stall on a saturated backend.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 3
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// acquire obtains a worker slot, enforcing spec.md §4.9's queue-wait budget
// Q_max: it first tries a non-blocking acquire, and only if the pool is
// already saturated does it wait, bounded by maxWait. A caller that is
// still queued once maxWait elapses gets ok=false immediately rather than
// blocking further, so its candidate degrades to the heuristic score
// instead of stalling the whole query on a saturated backend. Callers must
// call the returned release func exactly once when they obtained a slot.
func (p *workerPool) acquire(ctx context.Context, maxWait time.Duration) (release func(), waited time.Duration, ok bool) {
	start := time.Now()
	if p.sem.TryAcquire(1) {
		return func() { p.sem.Release(1) }, time.Since(start), true
	}

	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		return nil, time.Since(start), false
	}
	return func() { p.sem.Release(1) }, time.Since(start), true
}
