// Package dispatch implements the minimum-spacing-with-jitter primitive
// described in §4.3 of the throttle spec.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pointmatic/gentlify-go/pkg/clock"
	"github.com/pointmatic/gentlify-go/pkg/randsrc"
)

// Gate enforces a minimum time gap between consecutive dispatches, with
// additive uniform jitter.
//
// Thread-safe: safe for concurrent use. Per §9's "dispatch-gate under
// racing waiters" note, the reference policy is that each waiter observes
// lastDispatch at its own completion and advances it — minor bursts within
// jitter width are expected and absorbed by the jitter itself, not queued
// away.
type Gate struct {
	clock  clock.Clock
	rand   randsrc.Source
	jitter float64

	mu            sync.Mutex
	intervalNanos int64
	lastDispatch  int64
	hasDispatched bool
}

// New creates a Gate with the given starting interval (seconds) and jitter
// fraction in [0,1].
func New(clk clock.Clock, rand randsrc.Source, intervalSeconds, jitterFraction float64) *Gate {
	return &Gate{
		clock:         clk,
		rand:          rand,
		jitter:        jitterFraction,
		intervalNanos: int64(intervalSeconds * 1e9),
	}
}

// IntervalSeconds returns the current dispatch interval.
func (g *Gate) IntervalSeconds() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.intervalNanos) / 1e9
}

// Wait blocks until the next dispatch is allowed, then records this
// dispatch's timestamp. Returns ctx.Err() if cancelled mid-sleep; in that
// case lastDispatch is NOT advanced, since the dispatch never happened.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := g.clock.NowNanos()
	var remaining int64
	if g.hasDispatched {
		elapsed := now - g.lastDispatch
		remaining = g.intervalNanos - elapsed
		if remaining < 0 {
			remaining = 0
		}
	}
	interval := g.intervalNanos
	g.mu.Unlock()

	jitterNanos := int64(g.rand.UniformFloat64(0, float64(interval)*g.jitter))
	delay := time.Duration(remaining + jitterNanos)

	if err := g.clock.Sleep(ctx, delay); err != nil {
		return err
	}

	g.mu.Lock()
	g.lastDispatch = g.clock.NowNanos()
	g.hasDispatched = true
	g.mu.Unlock()
	return nil
}

// Decelerate doubles the interval, capped at maxIntervalSeconds, and
// returns (old, new) in seconds.
func (g *Gate) Decelerate(maxIntervalSeconds float64) (old, new float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	old = float64(g.intervalNanos) / 1e9
	maxNanos := int64(maxIntervalSeconds * 1e9)
	doubled := g.intervalNanos * 2
	if doubled > maxNanos {
		doubled = maxNanos
	}
	g.intervalNanos = doubled
	return old, float64(g.intervalNanos) / 1e9
}

// Reaccelerate halves the interval, floored at minIntervalSeconds, and
// returns (old, new) in seconds.
func (g *Gate) Reaccelerate(minIntervalSeconds float64) (old, new float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	old = float64(g.intervalNanos) / 1e9
	minNanos := int64(minIntervalSeconds * 1e9)
	halved := g.intervalNanos / 2
	if halved < minNanos {
		halved = minNanos
	}
	g.intervalNanos = halved
	return old, float64(g.intervalNanos) / 1e9
}
