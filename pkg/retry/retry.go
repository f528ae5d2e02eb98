// Package retry implements backoff computation and the retryable
// predicate described in §4.7 of the throttle spec, grounded on
// _retry.py's RetryHandler.
package retry

import (
	"math"

	"github.com/pointmatic/gentlify-go/pkg/randsrc"
)

// Backoff selects the delay-growth strategy between retry attempts.
type Backoff string

const (
	Fixed             Backoff = "fixed"
	Exponential       Backoff = "exponential"
	ExponentialJitter Backoff = "exponential_jitter"
)

// Predicate decides whether a given error should be retried. A nil
// Predicate means every error is retryable.
type Predicate func(err error) bool

// Config holds the retry tunables (§6 retry).
type Config struct {
	MaxAttempts      int // total attempts including the initial call
	Backoff          Backoff
	BaseDelaySeconds float64
	MaxDelaySeconds  float64
	Retryable        Predicate
}

// Handler computes backoff delays and retryability for a retry loop.
type Handler struct {
	config Config
	rand   randsrc.Source
}

// New creates a Handler. rand is used only for ExponentialJitter backoff.
func New(config Config, rand randsrc.Source) *Handler {
	return &Handler{config: config, rand: rand}
}

// MaxAttempts returns the total attempt count including the initial call.
func (h *Handler) MaxAttempts() int {
	return h.config.MaxAttempts
}

// ComputeDelay returns the backoff delay in seconds for the given
// zero-indexed retry attempt (0 = first retry, after the initial call
// failed).
func (h *Handler) ComputeDelay(attempt int) float64 {
	cfg := h.config
	switch cfg.Backoff {
	case Fixed:
		return cfg.BaseDelaySeconds
	case Exponential:
		delay := cfg.BaseDelaySeconds * math.Pow(2, float64(attempt))
		if delay > cfg.MaxDelaySeconds {
			delay = cfg.MaxDelaySeconds
		}
		return delay
	default: // ExponentialJitter
		delay := cfg.BaseDelaySeconds * math.Pow(2, float64(attempt))
		if delay > cfg.MaxDelaySeconds {
			delay = cfg.MaxDelaySeconds
		}
		return h.rand.UniformFloat64(0, delay)
	}
}

// IsRetryable reports whether err should trigger a retry, per the
// configured predicate (nil predicate means always retryable).
func (h *Handler) IsRetryable(err error) bool {
	if h.config.Retryable == nil {
		return true
	}
	return h.config.Retryable(err)
}
