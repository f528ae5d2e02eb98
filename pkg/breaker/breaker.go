// Package breaker implements the three-state circuit breaker from §4.5 of
// the throttle spec: CLOSED -> OPEN -> HALF_OPEN -> CLOSED/OPEN.
package breaker

import (
	"sync"

	"github.com/pointmatic/gentlify-go/pkg/clock"
	"github.com/pointmatic/gentlify-go/pkg/gerr"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker's tunables (§6 circuit_breaker).
type Config struct {
	ConsecutiveFailures int
	OpenDurationSeconds float64
	HalfOpenMaxCalls    int
}

// Breaker is a three-state circuit breaker with exponential open-duration
// growth capped at 5x the configured base, per §4.5.
//
// Thread-safe: safe for concurrent use.
type Breaker struct {
	clock  clock.Clock
	config Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenProbes      int
	openedAtNanos       int64
	currentOpenNanos    int64
}

// New creates a Breaker in the CLOSED state.
func New(clk clock.Clock, config Config) *Breaker {
	return &Breaker{
		clock:            clk,
		config:           config,
		state:            Closed,
		currentOpenNanos: int64(config.OpenDurationSeconds * 1e9),
	}
}

// State returns the current state, first checking whether an OPEN period
// has elapsed and transitioning to HALF_OPEN if so.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen()
	return b.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Check returns a *gerr.CircuitOpenFault if the breaker refuses admission:
// OPEN (not yet eligible for HALF_OPEN), or HALF_OPEN with all probe slots
// already taken. Returns nil to admit.
func (b *Breaker) Check() *gerr.CircuitOpenFault {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen()

	switch b.state {
	case Open:
		return &gerr.CircuitOpenFault{RetryAfterSeconds: b.retryAfterSecondsLocked()}
	case HalfOpen:
		if b.halfOpenProbes >= b.config.HalfOpenMaxCalls {
			return &gerr.CircuitOpenFault{RetryAfterSeconds: 0}
		}
		b.halfOpenProbes++
	}
	return nil
}

// RecordSuccess resets the consecutive-failure counter and, in HALF_OPEN,
// may close the circuit once enough probes have succeeded. Returns true if
// this call transitioned the breaker HALF_OPEN -> CLOSED, so the caller can
// emit a circuit_closed event (§6).
func (b *Breaker) RecordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0

	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenMaxCalls {
			b.state = Closed
			b.currentOpenNanos = int64(b.config.OpenDurationSeconds * 1e9)
			b.halfOpenSuccesses = 0
			b.halfOpenProbes = 0
			return true
		}
	}
	return false
}

// RecordFailure increments the consecutive-failure count and opens (or
// re-opens, with doubled duration) the circuit when appropriate. Returns
// true if this call transitioned the breaker into OPEN, so the caller can
// emit a circuit_opened event with ConsecutiveFailures/RetryAfterSeconds
// (§4.5, §6).
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++

	if b.state == HalfOpen {
		maxNanos := int64(b.config.OpenDurationSeconds * 1e9 * 5)
		doubled := b.currentOpenNanos * 2
		if doubled > maxNanos {
			doubled = maxNanos
		}
		b.currentOpenNanos = doubled
		b.openCircuitLocked()
		return true
	}
	if b.state == Closed && b.consecutiveFailures >= b.config.ConsecutiveFailures {
		b.openCircuitLocked()
		return true
	}
	return false
}

func (b *Breaker) openCircuitLocked() {
	b.state = Open
	b.openedAtNanos = b.clock.NowNanos()
	b.halfOpenSuccesses = 0
	b.halfOpenProbes = 0
}

func (b *Breaker) maybeTransitionToHalfOpen() {
	if b.state != Open {
		return
	}
	elapsed := b.clock.NowNanos() - b.openedAtNanos
	if elapsed >= b.currentOpenNanos {
		b.state = HalfOpen
		b.halfOpenSuccesses = 0
		b.halfOpenProbes = 0
	}
}

// RetryAfterSeconds reports the remaining OPEN duration if the breaker is
// currently OPEN. The second return value is false in any other state.
func (b *Breaker) RetryAfterSeconds() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen()
	if b.state != Open {
		return 0, false
	}
	return b.retryAfterSecondsLocked(), true
}

func (b *Breaker) retryAfterSecondsLocked() float64 {
	remaining := b.currentOpenNanos - (b.clock.NowNanos() - b.openedAtNanos)
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / 1e9
}
