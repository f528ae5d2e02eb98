// Package tokenbucket implements the rolling-window quota tracker
// described in §4.4 of the throttle spec.
//
// Despite the name, this shares almost nothing with the teacher's
// pkg/algorithm/tokenbucket (continuous refill from a rate). This is the
// Python original's post-hoc, sliding-window accounting: usage is recorded
// after the fact, and admission waits for old usage to expire rather than
// for new tokens to be minted.
package tokenbucket

import (
	"context"
	"fmt"
	"time"

	"github.com/pointmatic/gentlify-go/pkg/clock"
	"github.com/pointmatic/gentlify-go/pkg/window"
)

// Budget is the rolling-window quota configuration (§6 token_budget).
type Budget struct {
	MaxTokens     int
	WindowSeconds float64
}

// TokenBucket tracks consumption of a countable resource in a rolling
// window and blocks admission until enough usage has expired.
type TokenBucket struct {
	clock  clock.Clock
	budget Budget
	window *window.SlidingWindow
}

// New creates a TokenBucket for the given budget.
func New(clk clock.Clock, budget Budget) *TokenBucket {
	return &TokenBucket{
		clock:  clk,
		budget: budget,
		window: window.New(clk, budget.WindowSeconds),
	}
}

// Consume records tokens used, after the operation has already succeeded
// (§4.4: "must be called after the operation succeeds").
func (t *TokenBucket) Consume(tokens int) {
	if tokens <= 0 {
		return
	}
	t.window.Record(float64(tokens))
}

// TokensUsed returns tokens consumed within the current window.
func (t *TokenBucket) TokensUsed() int {
	return int(t.window.Total())
}

// TokensRemaining returns budget minus tokens used, floored at 0.
func (t *TokenBucket) TokensRemaining() int {
	remaining := t.budget.MaxTokens - t.TokensUsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WaitForBudget blocks until at least n tokens are available, by sleeping
// until enough of the oldest usage expires, then re-checking — never
// spin-waiting. n > MaxTokens is a caller error. n <= 0 returns
// immediately.
func (t *TokenBucket) WaitForBudget(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > t.budget.MaxTokens {
		return fmt.Errorf("tokenbucket: requested %d tokens exceeds budget of %d", n, t.budget.MaxTokens)
	}

	for t.TokensRemaining() < n {
		oldest, ok := t.window.OldestNanos()
		if !ok {
			// Over budget with nothing recorded shouldn't happen, but
			// guard against spinning forever if it somehow does.
			return nil
		}
		expiresAtNanos := oldest + int64(t.budget.WindowSeconds*1e9)
		sleepFor := time.Duration(expiresAtNanos - t.clock.NowNanos())
		if sleepFor < time.Millisecond {
			sleepFor = time.Millisecond
		}
		if err := t.clock.Sleep(ctx, sleepFor); err != nil {
			return err
		}
	}
	return nil
}
