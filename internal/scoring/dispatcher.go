package scoring

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Dispatcher bounds concurrent scoring calls and runs each one on its own
// goroutine, so a slow or stuck adapter cannot hold up a caller whose
// context has been cancelled.
type Dispatcher struct {
	sem   *semaphore.Weighted
	limit int
}

// NewDispatcher creates a dispatcher allowing limit concurrent calls.
// If limit <= 0, defaults to runtime.NumCPU().
func NewDispatcher(limit int) *Dispatcher {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Dispatcher{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Limit returns the number of concurrent calls allowed.
func (d *Dispatcher) Limit() int {
	return d.limit
}

type outcome[T any] struct {
	val T
	err error
}

// Run executes fn through d. Adapter errors and panics are returned as
// *ScoringError for the named capability. A deadline or cancellation of ctx
// is returned as ctx.Err(), not as a scoring failure. A call abandoned on
// cancellation keeps its slot until fn returns.
func Run[T any](ctx context.Context, d *Dispatcher, capability string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("%s: waiting for scoring slot: %w", capability, err)
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		val, err := fn(ctx)
		done <- outcome[T]{val: val, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%s: %w", capability, ctx.Err())
	case out := <-done:
		if out.err != nil && ctx.Err() != nil && errors.Is(out.err, ctx.Err()) {
			return zero, fmt.Errorf("%s: %w", capability, out.err)
		}
		if out.err != nil {
			return zero, &ScoringError{Capability: capability, Err: out.err}
		}
		return out.val, nil
	}
}
