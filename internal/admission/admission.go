// Package admission bounds the number of requests concurrently in flight to
// backends process-wide.
//
// The controller is a counting semaphore: Acquire blocks until a slot frees
// or the caller's context is done, so waiters wake immediately on Release and
// a disconnected caller never queues forever. Release must be called exactly
// once per successful Acquire, on every exit path.
package admission

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrency = 32

// Controller admits at most N concurrent backend calls.
type Controller struct {
	sem      *semaphore.Weighted
	max      int64
	inFlight atomic.Int64
}

// New creates a Controller with capacity n. n <= 0 falls back to the
// default (32).
func New(n int) *Controller {
	if n <= 0 {
		n = defaultMaxConcurrency
	}
	return &Controller{
		sem: semaphore.NewWeighted(int64(n)),
		max: int64(n),
	}
}

// Acquire blocks until a slot is free or ctx is done. On success the caller
// holds one slot and must Release it exactly once.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	c.inFlight.Add(1)
	return nil
}

// TryAcquire takes a slot without blocking. Returns false when the
// controller is at capacity.
func (c *Controller) TryAcquire() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.inFlight.Add(1)
	return true
}

// Release frees one slot. Calling Release without a matching Acquire
// corrupts the bound; the pairing is enforced by tests, not at runtime.
func (c *Controller) Release() {
	c.inFlight.Add(-1)
	c.sem.Release(1)
}

// InFlight returns the number of slots currently held.
func (c *Controller) InFlight() int64 {
	return c.inFlight.Load()
}

// Capacity returns the configured maximum concurrency.
func (c *Controller) Capacity() int64 {
	return c.max
}
