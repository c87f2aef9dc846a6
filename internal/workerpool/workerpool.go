// Package workerpool offloads CPU-heavy work (tx hashing, DP validation)
// from an engine's single-threaded event loop onto a bounded number of
// goroutines, per spec §5's concurrency model: workers receive immutable
// inputs and return results the loop merges back in, with no state shared
// between workers and the loop.
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the spec's default bounded worker count.
const DefaultWorkers = 3

// Pool bounds concurrent execution of submitted tasks to a fixed weight.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a pool that runs at most n tasks concurrently.
func New(n int64) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(n)}
}

// Submit runs fn on a pool goroutine once a slot is available, blocking the
// caller until either a slot frees up or ctx is cancelled. The result is
// delivered on the returned channel exactly once.
func (p *Pool) Submit(ctx context.Context, fn func() (any, error)) (<-chan Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	out := make(chan Result, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		value, err := fn()
		out <- Result{Value: value, Err: err}
		close(out)
	}()
	return out, nil
}

// Result is one completed task's outcome.
type Result struct {
	Value any
	Err   error
}

// Drain waits for all in-flight tasks to finish or ctx to expire, whichever
// comes first. On shutdown a DP under preparation may be discarded rather
// than waited on — callers pass a bounded-timeout context (10s production,
// 10ms in tests per spec §5).
func (p *Pool) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
