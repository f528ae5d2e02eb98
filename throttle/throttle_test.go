package throttle_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pointmatic/gentlify-go/pkg/clock"
	"github.com/pointmatic/gentlify-go/pkg/gerr"
	"github.com/pointmatic/gentlify-go/pkg/gevent"
	"github.com/pointmatic/gentlify-go/pkg/randsrc"
	"github.com/pointmatic/gentlify-go/pkg/slot"
	"github.com/pointmatic/gentlify-go/throttle"
)

func noopFn(_ context.Context, _ *slot.Slot) (any, error) {
	return "ok", nil
}

// ==== Scenario: basic admission ====

func TestExecute_BasicAdmission_NeverExceedsMaxConcurrency(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.MinDispatchInterval = 0
	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	var inFlight, maxObserved int64
	release := make(chan struct{})
	blocking := func(ctx context.Context, s *slot.Slot) (any, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			cur := atomic.LoadInt64(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inFlight, -1)
		return "ok", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := th.Execute(context.Background(), blocking)
			require.NoError(t, err)
		}()
	}

	// Give the first two calls a chance to admit and park on the barrier,
	// then release everyone — the third must never have been admitted
	// alongside them.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt64(&maxObserved), int64(2))

	snap := th.Snapshot()
	require.Equal(t, 3, snap.CompletedTasks)
	require.Equal(t, throttle.Running, snap.State)
	require.Equal(t, 2, snap.Concurrency)
}

// ==== Scenario: deceleration on repeated failure ====

func TestExecute_DeceleratesAfterFailureThreshold(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.FailureThreshold = 2
	cfg.MinDispatchInterval = 0
	cfg.MaxDispatchInterval = 10

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	failFn := func(_ context.Context, _ *slot.Slot) (any, error) { return nil, boom }

	_, err1 := th.Execute(context.Background(), failFn)
	require.Error(t, err1)
	_, err2 := th.Execute(context.Background(), failFn)
	require.Error(t, err2)

	snap := th.Snapshot()
	require.Equal(t, throttle.Cooling, snap.State)
	require.Equal(t, 2, snap.Concurrency) // halved from 4
}

// ==== Scenario: reacceleration after cooling elapses ====

func TestExecute_ReacceleratesAfterCoolingPeriod(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.FailureThreshold = 1
	cfg.CoolingPeriodSeconds = 10
	cfg.MinDispatchInterval = 1
	cfg.MaxDispatchInterval = 10

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err1 := th.Execute(context.Background(), func(_ context.Context, _ *slot.Slot) (any, error) { return nil, boom })
	require.Error(t, err1)
	require.Equal(t, throttle.Cooling, th.Snapshot().State)

	require.NoError(t, clk.AdvanceNanos(int64(11*time.Second)))

	_, err2 := th.Execute(context.Background(), noopFn)
	require.NoError(t, err2)
	require.Equal(t, throttle.Running, th.Snapshot().State)
}

// ==== Scenario: breaker cycle ====

func TestExecute_BreakerCycle_OpensAfterConsecutiveFailures(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 5
	cfg.MinDispatchInterval = 0
	cfg.FailureThreshold = 100 // keep the adaptive window from tripping deceleration
	cfg.CircuitBreaker = &throttle.CircuitBreakerConfig{
		ConsecutiveFailures: 3,
		OpenDurationSeconds: 10,
		HalfOpenMaxCalls:    1,
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	failFn := func(_ context.Context, _ *slot.Slot) (any, error) { return nil, boom }

	for i := 0; i < 3; i++ {
		_, err := th.Execute(context.Background(), failFn)
		require.Error(t, err)
	}

	require.Equal(t, throttle.CircuitOpen, th.Snapshot().State)

	_, err = th.Execute(context.Background(), noopFn)
	require.Error(t, err)
	fault, ok := gerr.IsCircuitOpen(err)
	require.True(t, ok)
	require.InDelta(t, 10.0, fault.RetryAfterSeconds, 0.001)
	require.Equal(t, throttle.CircuitOpen, th.Snapshot().State)

	require.NoError(t, clk.AdvanceNanos(int64(10*time.Second)))
	_, err = th.Execute(context.Background(), noopFn)
	require.NoError(t, err)
	require.Equal(t, throttle.Running, th.Snapshot().State)
}

// ==== Scenario: retry accounting ====

func TestExecute_RetryAccounting_TwoFailuresThenSuccess(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 5
	cfg.MinDispatchInterval = 0
	cfg.FailureThreshold = 2
	cfg.Retry = throttle.RetryConfig{
		MaxAttempts:      3,
		Backoff:          "fixed",
		BaseDelaySeconds: 1,
		MaxDelaySeconds:  1,
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	boom := errors.New("transient")
	var calls atomic.Int64
	flaky := func(_ context.Context, _ *slot.Slot) (any, error) {
		n := calls.Add(1)
		if n <= 2 {
			return nil, boom
		}
		return "ok", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := th.Execute(context.Background(), flaky)
		require.NoError(t, err)
	}()

	// Advance the clock past both one-second backoff sleeps.
	for i := 0; i < 50 && calls.Load() < 3; i++ {
		time.Sleep(time.Millisecond)
		clk.AdvanceNanos(int64(time.Second))
	}
	<-done

	require.Equal(t, int64(3), calls.Load())
	require.Equal(t, 0, th.Snapshot().FailureCount)
	require.Equal(t, throttle.Running, th.Snapshot().State)
}

// ==== Scenario: token-budget block ====

func TestExecute_TokenBudgetBlock_WaitsForExpiry(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 5
	cfg.MinDispatchInterval = 0
	cfg.TokenBudget = &throttle.TokenBudget{MaxTokens: 100, WindowSeconds: 60}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	report := func(n int) func(context.Context, *slot.Slot) (any, error) {
		return func(_ context.Context, s *slot.Slot) (any, error) {
			s.RecordTokens(n)
			return "ok", nil
		}
	}

	_, err = th.Execute(context.Background(), report(40))
	require.NoError(t, err)
	_, err = th.Execute(context.Background(), report(40))
	require.NoError(t, err)
	_, err = th.Execute(context.Background(), report(30))
	require.NoError(t, err)
	require.Equal(t, 110, th.Snapshot().TokensUsed)

	done := make(chan error, 1)
	go func() { _, err := th.Execute(context.Background(), report(1)); done <- err }()

	select {
	case <-done:
		t.Fatal("fourth call should block on the exhausted token budget")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, clk.AdvanceNanos(int64(60*time.Second)))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("never unblocked after the window elapsed")
	}
}

// ==== Lifecycle ====

func TestClose_RejectsNewExecutions(t *testing.T) {
	clk := clock.NewManualClock(0)
	th, err := throttle.New(throttle.DefaultConfig(), clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	th.Close()
	_, err = th.Execute(context.Background(), noopFn)
	require.True(t, gerr.IsThrottleClosed(err))
}

func TestDrain_WaitsForInFlightThenCloses(t *testing.T) {
	clk := clock.NewSystemClock()
	th, err := throttle.New(throttle.DefaultConfig(), clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	go func() {
		_, _ = th.Execute(context.Background(), func(ctx context.Context, s *slot.Slot) (any, error) {
			<-release
			return "ok", nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	drainDone := make(chan error, 1)
	go func() { drainDone <- th.Drain(context.Background()) }()

	select {
	case <-drainDone:
		t.Fatal("drain should wait for the in-flight operation")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-drainDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain never completed")
	}

	_, err = th.Execute(context.Background(), noopFn)
	require.True(t, gerr.IsThrottleClosed(err))
}

// ==== Event emission ====

func TestExecute_EmitsDeceleratedAndCoolingStarted(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.FailureThreshold = 2
	cfg.MinDispatchInterval = 0
	cfg.MaxDispatchInterval = 10

	var mu sync.Mutex
	var kinds []gevent.Kind
	var decelerated *gevent.Decelerated
	var cooling *gevent.CoolingStarted
	cfg.OnStateChange = func(e gevent.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
		if e.Kind == gevent.KindDecelerated {
			decelerated = e.Decelerated
		}
		if e.Kind == gevent.KindCoolingStarted {
			cooling = e.Cooling
		}
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	failFn := func(_ context.Context, _ *slot.Slot) (any, error) { return nil, boom }

	_, err1 := th.Execute(context.Background(), failFn)
	require.Error(t, err1)
	_, err2 := th.Execute(context.Background(), failFn)
	require.Error(t, err2)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, kinds, gevent.KindDecelerated)
	require.Contains(t, kinds, gevent.KindCoolingStarted)
	require.NotNil(t, decelerated)
	require.Equal(t, 4, decelerated.OldConcurrency)
	require.Equal(t, 2, decelerated.NewConcurrency)
	require.NotNil(t, cooling)
	require.Equal(t, cfg.CoolingPeriodSeconds, cooling.CoolingPeriodSeconds)
}

func TestExecute_EmitsReacceleratedAfterCoolingPeriod(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.FailureThreshold = 1
	cfg.CoolingPeriodSeconds = 10
	cfg.MinDispatchInterval = 1
	cfg.MaxDispatchInterval = 10

	var mu sync.Mutex
	var reaccelerated *gevent.Reaccelerated
	cfg.OnStateChange = func(e gevent.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Kind == gevent.KindReaccelerated {
			reaccelerated = e.Reaccelerated
		}
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	_, err1 := th.Execute(context.Background(), func(_ context.Context, _ *slot.Slot) (any, error) { return nil, boom })
	require.Error(t, err1)

	require.NoError(t, clk.AdvanceNanos(int64(11*time.Second)))
	_, err2 := th.Execute(context.Background(), noopFn)
	require.NoError(t, err2)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, reaccelerated)
	require.Equal(t, 2, reaccelerated.OldConcurrency)
	require.Equal(t, 3, reaccelerated.NewConcurrency)
}

func TestExecute_EmitsCircuitOpenedOnBreakerTrip(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 5
	cfg.MinDispatchInterval = 0
	cfg.FailureThreshold = 100
	cfg.CircuitBreaker = &throttle.CircuitBreakerConfig{ConsecutiveFailures: 3, OpenDurationSeconds: 10, HalfOpenMaxCalls: 1}

	var mu sync.Mutex
	var opened *gevent.CircuitOpened
	var openedCount int
	cfg.OnStateChange = func(e gevent.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Kind == gevent.KindCircuitOpened {
			opened = e.CircuitOpen
			openedCount++
		}
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	failFn := func(_ context.Context, _ *slot.Slot) (any, error) { return nil, boom }

	for i := 0; i < 3; i++ {
		_, err := th.Execute(context.Background(), failFn)
		require.Error(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, openedCount, "circuit_opened must fire exactly once for the CLOSED->OPEN transition")
	require.NotNil(t, opened)
	require.Equal(t, 3, opened.ConsecutiveFailures)
	require.InDelta(t, 10.0, opened.RetryAfterSeconds, 0.001)
}

func TestExecute_EmitsCircuitClosedOnHalfOpenProbeSuccess(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 5
	cfg.MinDispatchInterval = 0
	cfg.FailureThreshold = 100
	cfg.CircuitBreaker = &throttle.CircuitBreakerConfig{ConsecutiveFailures: 3, OpenDurationSeconds: 10, HalfOpenMaxCalls: 1}

	var mu sync.Mutex
	var sawClosed bool
	cfg.OnStateChange = func(e gevent.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Kind == gevent.KindCircuitClosed {
			sawClosed = true
		}
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	failFn := func(_ context.Context, _ *slot.Slot) (any, error) { return nil, boom }
	for i := 0; i < 3; i++ {
		_, err := th.Execute(context.Background(), failFn)
		require.Error(t, err)
	}

	require.NoError(t, clk.AdvanceNanos(int64(10*time.Second)))
	_, err = th.Execute(context.Background(), noopFn) // admitted as the half-open probe
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, sawClosed)
	require.Equal(t, throttle.Running, th.Snapshot().State)
}

func TestExecute_EmitsRetryEventPerAttempt(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MaxConcurrency = 5
	cfg.MinDispatchInterval = 0
	cfg.FailureThreshold = 2
	cfg.Retry = throttle.RetryConfig{
		MaxAttempts:      3,
		Backoff:          "fixed",
		BaseDelaySeconds: 1,
		MaxDelaySeconds:  1,
	}

	var mu sync.Mutex
	var attempts []int
	cfg.OnStateChange = func(e gevent.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Kind == gevent.KindRetry {
			attempts = append(attempts, e.RetryEvent.Attempt)
		}
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	boom := errors.New("transient")
	var calls atomic.Int64
	flaky := func(_ context.Context, _ *slot.Slot) (any, error) {
		n := calls.Add(1)
		if n <= 2 {
			return nil, boom
		}
		return "ok", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := th.Execute(context.Background(), flaky)
		require.NoError(t, err)
	}()
	for i := 0; i < 50 && calls.Load() < 3; i++ {
		time.Sleep(time.Millisecond)
		clk.AdvanceNanos(int64(time.Second))
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1}, attempts)
}

func TestExecute_EmitsProgressOnMilestone(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.MinDispatchInterval = 0
	cfg.TotalTasks = 10 // default milestone granularity is every 10%

	var mu sync.Mutex
	var snapshots []throttle.Snapshot
	cfg.OnProgress = func(snapshot any) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, snapshot.(throttle.Snapshot))
	}

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	_, err = th.Execute(context.Background(), noopFn)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots, "completing 1/10 tasks should cross a 10%% milestone")
	require.Equal(t, 1, snapshots[0].CompletedTasks)
}

// ==== Cancellation ====

func TestExecute_CancellationDoesNotTouchFailureWindow(t *testing.T) {
	clk := clock.NewManualClock(0)
	cfg := throttle.DefaultConfig()
	cfg.FailureThreshold = 1

	th, err := throttle.New(cfg, clk, randsrc.Fixed{Value: 0}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = th.Execute(ctx, func(ctx context.Context, s *slot.Slot) (any, error) {
		return nil, ctx.Err()
	})
	require.Error(t, err)
	require.Equal(t, 0, th.Snapshot().FailureCount)
	require.Equal(t, throttle.Running, th.Snapshot().State)
}
