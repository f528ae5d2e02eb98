package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/pointmatic/gentlify-go/pkg/breaker"
	"github.com/pointmatic/gentlify-go/pkg/clock"
	"github.com/pointmatic/gentlify-go/pkg/concurrency"
	"github.com/pointmatic/gentlify-go/pkg/dispatch"
	"github.com/pointmatic/gentlify-go/pkg/gerr"
	"github.com/pointmatic/gentlify-go/pkg/gevent"
	"github.com/pointmatic/gentlify-go/pkg/progress"
	"github.com/pointmatic/gentlify-go/pkg/randsrc"
	"github.com/pointmatic/gentlify-go/pkg/retry"
	"github.com/pointmatic/gentlify-go/pkg/slot"
	"github.com/pointmatic/gentlify-go/pkg/tokenbucket"
	"github.com/pointmatic/gentlify-go/pkg/window"
)

// Throttle is the coordination core: it wires the concurrency controller,
// dispatch gate, failure window, token bucket, circuit breaker, progress
// tracker, and retry handler into one admission sequence (§4.8).
//
// A Throttle exclusively owns its sub-components; it is constructed fully
// valid and mutated only through its own methods. Safe for concurrent use.
type Throttle struct {
	id     uuid.UUID
	config Config
	clock  clock.Clock
	logger log.Logger

	concurrency   *concurrency.Controller
	dispatch      *dispatch.Gate
	failureWindow *window.SlidingWindow
	progress      *progress.Tracker
	tokenBucket   *tokenbucket.TokenBucket // nil when TokenBudget is unset
	breaker       *breaker.Breaker         // nil when CircuitBreaker is unset
	retry         *retry.Handler

	mu                sync.Mutex
	state             State
	safeCeiling       int
	coolingStartNanos int64
	hasCoolingStart   bool
	lastFailureNanos  int64
	hasLastFailure    bool
}

// New constructs a Throttle from an explicit config, clock, and random
// source. Returns a *gerr.ValidationFault if config fails validation.
func New(config Config, clk clock.Clock, rand randsrc.Source, logger log.Logger) (*Throttle, error) {
	if fault := config.Validate(); fault != nil {
		return nil, fault
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	th := &Throttle{
		id:     uuid.New(),
		config: config,
		clock:  clk,
		logger: logger,

		concurrency:   concurrency.New(config.MaxConcurrency, config.InitialConcurrency),
		dispatch:      dispatch.New(clk, rand, config.MinDispatchInterval, config.JitterFraction),
		failureWindow: window.New(clk, config.FailureWindowSeconds),
		progress:      progress.New(config.TotalTasks, 10.0),
		retry:         retry.New(toRetryConfig(config.Retry), rand),

		state:       Running,
		safeCeiling: config.MaxConcurrency,
	}

	if config.TokenBudget != nil {
		th.tokenBucket = tokenbucket.New(clk, tokenbucket.Budget{
			MaxTokens:     config.TokenBudget.MaxTokens,
			WindowSeconds: config.TokenBudget.WindowSeconds,
		})
	}
	if config.CircuitBreaker != nil {
		th.breaker = breaker.New(clk, breaker.Config{
			ConsecutiveFailures: config.CircuitBreaker.ConsecutiveFailures,
			OpenDurationSeconds: config.CircuitBreaker.OpenDurationSeconds,
			HalfOpenMaxCalls:    config.CircuitBreaker.HalfOpenMaxCalls,
		})
	}

	return th, nil
}

// NewDefault constructs a Throttle using the system clock and an entropy-
// seeded random source — the ordinary way to build one outside tests.
func NewDefault(config Config) (*Throttle, error) {
	return New(config, clock.NewSystemClock(), randsrc.NewDefault(time.Now().UnixNano()), log.NewNopLogger())
}

func toRetryConfig(r RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:      r.MaxAttempts,
		Backoff:          r.Backoff,
		BaseDelaySeconds: r.BaseDelaySeconds,
		MaxDelaySeconds:  r.MaxDelaySeconds,
		Retryable:        r.Retryable,
	}
}

// ID returns this Throttle's instance identifier, stamped into every log
// line and emitted event for correlation across concurrent operations.
func (t *Throttle) ID() uuid.UUID { return t.id }

// Execute is the primary API: it runs fn inside the full admission
// sequence (state check, circuit check, concurrency acquire, dispatch
// wait, token-budget wait), retrying on retryable faults per the
// configured RetryConfig (§4.8 step 6).
func (t *Throttle) Execute(ctx context.Context, fn func(ctx context.Context, s *slot.Slot) (any, error)) (any, error) {
	if err := t.checkAdmission(); err != nil {
		return nil, err
	}

	if err := t.concurrency.Acquire(ctx); err != nil {
		return nil, err
	}
	defer t.concurrency.Release()

	startNanos := t.clock.NowNanos()
	s := slot.New()

	if err := t.dispatch.Wait(ctx); err != nil {
		return nil, err
	}
	if t.tokenBucket != nil {
		// The actual token count an operation will report is only known
		// after it completes (via Slot.RecordTokens, consumed on
		// success), so admission waits for a conservative single-token
		// reservation up front, mirroring the original's wait_for_budget
		// default of one token.
		if err := t.tokenBucket.WaitForBudget(ctx, 1); err != nil {
			return nil, err
		}
	}

	maxAttempts := t.retry.MaxAttempts()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		s.SetAttempt(attempt)

		result, err := fn(ctx, s)
		if err == nil {
			duration := float64(t.clock.NowNanos()-startNanos) / 1e9
			t.handleSuccess(duration, s.TokensReported())
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Cancellation propagates without touching failure accounting.
			return nil, err
		}

		final := !t.retry.IsRetryable(err) || attempt == maxAttempts-1
		if final {
			break
		}

		if t.breaker != nil {
			// Intermediate retry failures count toward the breaker's
			// consecutive-failure streak but never touch the adaptive
			// failure window — only the final outcome of Execute does,
			// via handleFailure below.
			opened := t.breaker.RecordFailure()
			if retryAfter, open := t.breaker.RetryAfterSeconds(); open {
				if opened {
					t.emitCircuitOpened(retryAfter)
				}
				return nil, &gerr.CircuitOpenFault{RetryAfterSeconds: retryAfter}
			}
		}

		delay := t.retry.ComputeDelay(attempt)
		t.emit(gevent.Event{
			Kind:       gevent.KindRetry,
			AtNanos:    t.clock.NowNanos(),
			ThrottleID: t.id,
			RetryEvent: &gevent.Retry{Attempt: attempt, DelaySeconds: delay, ExceptionKind: errorKind(err)},
		})
		if err := t.clock.Sleep(ctx, durationFromSeconds(delay)); err != nil {
			return nil, err
		}
	}

	t.handleFailure(lastErr)
	return nil, lastErr
}

// Acquire performs the scope-guarded low-level admission sequence (steps
// 1-5 of §4.8): state check, circuit check, concurrency acquire, dispatch
// wait, token-budget wait. The caller invokes body with the admitted Slot;
// on return, success or failure is recorded exactly once and the
// concurrency permit is released. Retry does not apply here — the scope
// cannot be re-entered.
func (t *Throttle) Acquire(ctx context.Context, body func(ctx context.Context, s *slot.Slot) error) error {
	if err := t.checkAdmission(); err != nil {
		return err
	}

	if err := t.concurrency.Acquire(ctx); err != nil {
		return err
	}
	defer t.concurrency.Release()

	startNanos := t.clock.NowNanos()
	s := slot.New()

	if err := t.dispatch.Wait(ctx); err != nil {
		return err
	}
	if t.tokenBucket != nil {
		if err := t.tokenBucket.WaitForBudget(ctx, 1); err != nil {
			return err
		}
	}

	err := body(ctx, s)
	duration := float64(t.clock.NowNanos()-startNanos) / 1e9
	if err != nil {
		t.handleFailure(err)
	} else {
		t.handleSuccess(duration, s.TokensReported())
	}
	return err
}

// Wrap returns a function whose body runs fn inside Execute.
func (t *Throttle) Wrap(fn func(ctx context.Context, s *slot.Slot) (any, error)) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return t.Execute(ctx, fn)
	}
}

func (t *Throttle) checkAdmission() error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == Closed || state == Draining {
		return &gerr.ThrottleClosedFault{}
	}
	if t.breaker != nil {
		if fault := t.breaker.Check(); fault != nil {
			return fault
		}
	}
	return nil
}

// handleSuccess processes a successful completion: breaker reset, cooling
// recovery, safe-ceiling decay, token accounting, and progress/milestone
// emission.
func (t *Throttle) handleSuccess(durationSeconds float64, tokens int) {
	if t.breaker != nil {
		if t.breaker.RecordSuccess() {
			level.Info(t.logger).Log("msg", "circuit closed", "throttle_id", t.id)
			t.emit(gevent.Event{
				Kind: gevent.KindCircuitClosed, AtNanos: t.clock.NowNanos(), ThrottleID: t.id,
				CircuitClose: &gevent.CircuitClosed{},
			})
		}
	}

	t.mu.Lock()
	if t.state == Cooling && t.hasCoolingStart {
		elapsed := float64(t.clock.NowNanos()-t.coolingStartNanos) / 1e9
		if elapsed >= t.config.CoolingPeriodSeconds && t.failureWindow.Count() == 0 {
			oldC, newC := t.concurrency.Reaccelerate(t.safeCeiling)
			oldI, newI := t.dispatch.Reaccelerate(t.config.MinDispatchInterval)
			t.state = Running
			t.hasCoolingStart = false
			t.mu.Unlock()

			level.Info(t.logger).Log("msg", "reaccelerated", "throttle_id", t.id,
				"old_concurrency", oldC, "new_concurrency", newC,
				"old_interval", oldI, "new_interval", newI)
			t.emit(gevent.Event{
				Kind: gevent.KindReaccelerated, AtNanos: t.clock.NowNanos(), ThrottleID: t.id,
				Reaccelerated: &gevent.Reaccelerated{OldConcurrency: oldC, NewConcurrency: newC, OldInterval: oldI, NewInterval: newI},
			})
			t.mu.Lock()
		}
	}

	if t.hasLastFailure {
		decayThreshold := t.config.CoolingPeriodSeconds * t.config.SafeCeilingDecayMultiplier
		elapsed := float64(t.clock.NowNanos()-t.lastFailureNanos) / 1e9
		if elapsed >= decayThreshold {
			oldCeiling := t.safeCeiling
			t.safeCeiling = t.config.MaxConcurrency
			t.hasLastFailure = false
			if oldCeiling != t.safeCeiling {
				level.Info(t.logger).Log("msg", "safe ceiling decayed", "throttle_id", t.id,
					"old_ceiling", oldCeiling, "new_ceiling", t.safeCeiling)
			}
		}
	}
	t.mu.Unlock()

	if t.tokenBucket != nil && tokens > 0 {
		t.tokenBucket.Consume(tokens)
	}

	isMilestone := t.progress.RecordCompletion(durationSeconds)
	if isMilestone && t.config.OnProgress != nil {
		t.config.OnProgress(t.Snapshot())
	}
}

// handleFailure processes a final failure: failure-window accounting,
// breaker notification, and deceleration if the threshold is crossed.
func (t *Throttle) handleFailure(err error) {
	if t.config.FailurePredicate != nil && !t.config.FailurePredicate(err) {
		return
	}

	t.failureWindow.Record(1)

	t.mu.Lock()
	t.lastFailureNanos = t.clock.NowNanos()
	t.hasLastFailure = true
	t.mu.Unlock()

	if t.breaker != nil {
		if opened := t.breaker.RecordFailure(); opened {
			if retryAfter, open := t.breaker.RetryAfterSeconds(); open {
				t.emitCircuitOpened(retryAfter)
			}
		}
	}

	if t.failureWindow.Count() >= t.config.FailureThreshold {
		oldC, newC := t.concurrency.Decelerate()
		oldI, newI := t.dispatch.Decelerate(t.config.MaxDispatchInterval)

		t.mu.Lock()
		t.safeCeiling = oldC
		t.state = Cooling
		t.coolingStartNanos = t.clock.NowNanos()
		t.hasCoolingStart = true
		t.mu.Unlock()

		t.failureWindow.Clear()

		level.Info(t.logger).Log("msg", "decelerated", "throttle_id", t.id,
			"old_concurrency", oldC, "new_concurrency", newC,
			"old_interval", oldI, "new_interval", newI)
		t.emit(gevent.Event{
			Kind: gevent.KindDecelerated, AtNanos: t.clock.NowNanos(), ThrottleID: t.id,
			Decelerated: &gevent.Decelerated{
				OldConcurrency: oldC, NewConcurrency: newC,
				OldInterval: oldI, NewInterval: newI,
				FailureCount: t.config.FailureThreshold, SafeCeiling: oldC,
			},
		})
		level.Info(t.logger).Log("msg", "cooling started", "throttle_id", t.id,
			"cooling_period", t.config.CoolingPeriodSeconds)
		t.emit(gevent.Event{
			Kind: gevent.KindCoolingStarted, AtNanos: t.clock.NowNanos(), ThrottleID: t.id,
			Cooling: &gevent.CoolingStarted{CoolingPeriodSeconds: t.config.CoolingPeriodSeconds},
		})
	}
}

func (t *Throttle) emit(e gevent.Event) {
	if t.config.OnStateChange != nil {
		t.config.OnStateChange(e)
	}
}

// emitCircuitOpened logs and emits a circuit_opened event (§6) for a
// CLOSED->OPEN or HALF_OPEN->OPEN transition just performed by t.breaker.
func (t *Throttle) emitCircuitOpened(retryAfterSeconds float64) {
	consecutiveFailures := t.breaker.ConsecutiveFailures()
	level.Warn(t.logger).Log("msg", "circuit opened", "throttle_id", t.id,
		"consecutive_failures", consecutiveFailures, "retry_after", retryAfterSeconds)
	t.emit(gevent.Event{
		Kind: gevent.KindCircuitOpened, AtNanos: t.clock.NowNanos(), ThrottleID: t.id,
		CircuitOpen: &gevent.CircuitOpened{ConsecutiveFailures: consecutiveFailures, RetryAfterSeconds: retryAfterSeconds},
	})
}

// RecordSuccess manually records a successful operation outside
// Execute/Acquire, e.g. for callers driving their own admission loop.
func (t *Throttle) RecordSuccess(durationSeconds float64, tokensUsed int) {
	t.handleSuccess(durationSeconds, tokensUsed)
}

// RecordFailure manually records a failed operation.
func (t *Throttle) RecordFailure(err error) {
	if err == nil {
		err = gerr.NewValidationFault(gerr.FieldViolation{Field: "error", Constraint: "manual failure"})
	}
	t.handleFailure(err)
}

// RecordTokens manually records token consumption, bypassing a Slot.
func (t *Throttle) RecordTokens(count int) {
	if t.tokenBucket != nil {
		t.tokenBucket.Consume(count)
	}
}

// Snapshot returns a point-in-time view of throttle state.
func (t *Throttle) Snapshot() Snapshot {
	t.mu.Lock()
	state := t.state
	safeCeiling := t.safeCeiling
	t.mu.Unlock()

	// CIRCUIT_OPEN mirrors the breaker (§3) whenever it isn't CLOSED and
	// the throttle's own lifecycle isn't already CLOSED/DRAINING.
	if state != Closed && state != Draining && t.breaker != nil && t.breaker.State() != breaker.Closed {
		state = CircuitOpen
	}

	snap := Snapshot{
		Concurrency:      t.concurrency.CurrentLimit(),
		MaxConcurrency:   t.concurrency.MaxConcurrency(),
		DispatchInterval: t.dispatch.IntervalSeconds(),
		CompletedTasks:   t.progress.Completed(),
		TotalTasks:       t.config.TotalTasks,
		FailureCount:     t.failureWindow.Count(),
		State:            state,
		SafeCeiling:      safeCeiling,
	}
	if eta, ok := t.progress.ETASeconds(); ok {
		snap.ETASeconds = eta
		snap.HasETA = true
	}
	if t.tokenBucket != nil {
		snap.HasTokenBudget = true
		snap.TokensUsed = t.tokenBucket.TokensUsed()
		snap.TokensRemaining = t.tokenBucket.TokensRemaining()
	}
	return snap
}

// Close signals that no new acquisitions should be accepted. Pure state
// flip; never blocks.
func (t *Throttle) Close() {
	t.mu.Lock()
	t.state = Closed
	t.mu.Unlock()

	level.Info(t.logger).Log("msg", "throttle closed", "throttle_id", t.id)
	t.emit(gevent.Event{Kind: gevent.KindClosed, AtNanos: t.clock.NowNanos(), ThrottleID: t.id, ClosedEvent: &gevent.Closed{}})
}

// Drain marks the throttle as draining and blocks until every in-flight
// operation completes, then transitions to Closed. Concurrent Drain and
// Execute is well-defined: Execute fails fast with ThrottleClosedFault
// once Drain starts.
func (t *Throttle) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.state = Draining
	t.mu.Unlock()

	level.Info(t.logger).Log("msg", "draining", "throttle_id", t.id, "in_flight", t.concurrency.InFlight())
	t.emit(gevent.Event{
		Kind: gevent.KindDraining, AtNanos: t.clock.NowNanos(), ThrottleID: t.id,
		DrainingEvent: &gevent.Draining{InFlight: t.concurrency.InFlight()},
	})

	for t.concurrency.InFlight() > 0 {
		if err := t.clock.Sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.state = Closed
	t.mu.Unlock()

	level.Info(t.logger).Log("msg", "drain complete", "throttle_id", t.id)
	t.emit(gevent.Event{Kind: gevent.KindDrained, AtNanos: t.clock.NowNanos(), ThrottleID: t.id, DrainedEvent: &gevent.Drained{}})
	return nil
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func errorKind(err error) string {
	if _, ok := gerr.IsCircuitOpen(err); ok {
		return "CircuitOpenFault"
	}
	if gerr.IsThrottleClosed(err) {
		return "ThrottleClosedFault"
	}
	return "error"
}
