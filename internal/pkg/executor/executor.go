package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of blocking calls in flight per worker process.
// Job functions push every external HTTP call through Submit so the
// dispatch goroutines never sit inside a blocking socket read.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Size() int { return p.size }

// Submit runs fn once a slot is free. The slot is held for the duration of
// fn; ctx cancellation is honored both while waiting and inside fn (fn
// receives the same ctx and is expected to respect it).
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("executor: nil fn")
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}
