// Package concurrency implements the dynamic in-flight ceiling described in
// §4.2 of the throttle spec.
//
// The Python original resizes an asyncio.Semaphore in place by directly
// poking its internal counter. Go's sync package offers no equivalent
// escape hatch (and reaching into another package's private counter isn't
// available anyway), so this is grounded instead on the teacher's own
// mutex-guarded counter idiom (pkg/engine's per-key locking, pkg/algorithm's
// mutex-protected mutable fields): a condition variable plus an explicit
// limit, rather than a semaphore whose permit count can't be read back.
//
// The resulting admission rule is exactly the one the spec requires: a
// decelerate() never revokes an already-held permit, it only lowers the
// limit new admissions are checked against until enough releases bring
// in-flight back under it.
package concurrency

import (
	"context"
	"sync"
)

// Controller bounds simultaneous in-flight operations and can be resized
// while operations are in flight without ever exceeding the effective cap.
//
// Thread-safe: safe for concurrent use by multiple goroutines.
type Controller struct {
	maxConcurrency int

	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	inFlight int
}

// New creates a Controller with the given absolute ceiling and starting
// limit. initialConcurrency of 0 means "start at maxConcurrency".
func New(maxConcurrency, initialConcurrency int) *Controller {
	limit := initialConcurrency
	if limit <= 0 {
		limit = maxConcurrency
	}
	c := &Controller{maxConcurrency: maxConcurrency, limit: limit}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// CurrentLimit returns the current concurrency limit.
func (c *Controller) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// InFlight returns the number of currently held permits.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Acquire blocks until a permit is available or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Wake this waiter if ctx is cancelled while it's parked in cond.Wait.
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer stop()
	}

	for c.inFlight >= c.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.inFlight++
	return nil
}

// Release returns one permit and wakes any waiters that can now proceed.
func (c *Controller) Release() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Decelerate halves the limit (floored at 1) and returns (old, new). It
// never revokes an already-held permit — Acquire simply refuses new
// admissions above the lowered limit until enough Releases bring in-flight
// back under it.
func (c *Controller) Decelerate() (old, new int) {
	c.mu.Lock()
	old = c.limit
	newLimit := old / 2
	if newLimit < 1 {
		newLimit = 1
	}
	c.limit = newLimit
	c.mu.Unlock()
	return old, newLimit
}

// Reaccelerate increments the limit by 1, capped at both safeCeiling and
// maxConcurrency, and returns (old, new).
func (c *Controller) Reaccelerate(safeCeiling int) (old, new int) {
	c.mu.Lock()
	old = c.limit
	newLimit := old + 1
	if newLimit > safeCeiling {
		newLimit = safeCeiling
	}
	if newLimit > c.maxConcurrency {
		newLimit = c.maxConcurrency
	}
	c.limit = newLimit
	c.mu.Unlock()
	c.cond.Broadcast()
	return old, newLimit
}

// Resize sets the limit to an exact value, clamped to [1, maxConcurrency].
func (c *Controller) Resize(n int) {
	if n < 1 {
		n = 1
	}
	if n > c.maxConcurrency {
		n = c.maxConcurrency
	}
	c.mu.Lock()
	c.limit = n
	c.mu.Unlock()
	c.cond.Broadcast()
}

// MaxConcurrency returns the absolute ceiling configured at construction.
func (c *Controller) MaxConcurrency() int { return c.maxConcurrency }
