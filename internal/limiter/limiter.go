// Package limiter provides a bounded-concurrency gate for upstream CRM calls.
//
// A Limiter admits at most N units of work at once. Waiters are admitted in
// FIFO order. One Limiter is meant to be shared by every pipeline invocation
// in a process so that concurrent requests share the same upstream budget.
package limiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultConcurrency is the number of concurrent upstream calls admitted when
// no explicit limit is configured.
const DefaultConcurrency = 6

// Limiter gates units of work. The zero value is not usable; use New.
type Limiter struct {
	slots *semaphore.Weighted
	size  int
	rate  *rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRate additionally caps the start rate of units of work to rps per
// second. A non-positive rps leaves the rate uncapped.
func WithRate(rps float64) Option {
	return func(l *Limiter) {
		if rps > 0 {
			l.rate = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// New returns a Limiter admitting at most n concurrent units of work.
// A non-positive n falls back to DefaultConcurrency.
func New(n int, opts ...Option) *Limiter {
	if n <= 0 {
		n = DefaultConcurrency
	}
	l := &Limiter{
		slots: semaphore.NewWeighted(int64(n)),
		size:  n,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Size returns the maximum number of concurrently admitted units.
func (l *Limiter) Size() int {
	return l.size
}

// Do waits for a free slot, runs fn, and releases the slot. The error from fn
// is returned unchanged; a failing unit never affects other units. If ctx is
// done before a slot frees up, fn is not run and the context error is
// returned.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}
	defer l.slots.Release(1)

	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return fmt.Errorf("wait for rate: %w", err)
		}
	}
	return fn(ctx)
}

// Run is Do for units of work that produce a value.
func Run[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}
