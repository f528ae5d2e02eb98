// Package throttle is the orchestrator: it wires the concurrency
// controller, dispatch gate, failure window, token bucket, circuit
// breaker, progress tracker, and retry handler into the single admission
// sequence described in §4.8 of the throttle spec.
package throttle

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pointmatic/gentlify-go/pkg/gerr"
	"github.com/pointmatic/gentlify-go/pkg/gevent"
	"github.com/pointmatic/gentlify-go/pkg/retry"
)

// FailurePredicate decides whether an operation's error should count as a
// throttle-relevant failure at all (e.g. to exclude 4xx-equivalent errors
// from tripping the breaker). A nil predicate means every error counts.
type FailurePredicate func(err error) bool

// TokenBudget is the rolling-window quota configuration. Nil on Config
// disables token-budget accounting entirely.
type TokenBudget struct {
	MaxTokens     int
	WindowSeconds float64
}

func (b TokenBudget) validate(v *[]gerr.FieldViolation) {
	if b.MaxTokens < 1 {
		*v = append(*v, gerr.FieldViolation{Field: "token_budget.max_tokens", Constraint: fmt.Sprintf("must be >= 1, got %d", b.MaxTokens)})
	}
	if b.WindowSeconds <= 0 {
		*v = append(*v, gerr.FieldViolation{Field: "token_budget.window_seconds", Constraint: fmt.Sprintf("must be > 0, got %v", b.WindowSeconds)})
	}
}

// CircuitBreakerConfig configures the three-state breaker. Nil on Config
// disables the breaker entirely (admission always proceeds).
type CircuitBreakerConfig struct {
	ConsecutiveFailures int
	OpenDurationSeconds float64
	HalfOpenMaxCalls    int
}

// DefaultCircuitBreakerConfig mirrors the original's dataclass defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ConsecutiveFailures: 10,
		OpenDurationSeconds: 30.0,
		HalfOpenMaxCalls:    1,
	}
}

func (c CircuitBreakerConfig) validate(v *[]gerr.FieldViolation) {
	if c.ConsecutiveFailures < 1 {
		*v = append(*v, gerr.FieldViolation{Field: "circuit_breaker.consecutive_failures", Constraint: fmt.Sprintf("must be >= 1, got %d", c.ConsecutiveFailures)})
	}
	if c.OpenDurationSeconds < 0 {
		*v = append(*v, gerr.FieldViolation{Field: "circuit_breaker.open_duration", Constraint: fmt.Sprintf("must be >= 0, got %v", c.OpenDurationSeconds)})
	}
	if c.HalfOpenMaxCalls < 1 {
		*v = append(*v, gerr.FieldViolation{Field: "circuit_breaker.half_open_max_calls", Constraint: fmt.Sprintf("must be >= 1, got %d", c.HalfOpenMaxCalls)})
	}
}

// RetryConfig configures the retry loop wired into Execute. MaxAttempts=1
// (the default) disables retrying: Execute is then behaviorally identical
// to Acquire wrapping a single fn call.
type RetryConfig struct {
	MaxAttempts      int
	Backoff          retry.Backoff
	BaseDelaySeconds float64
	MaxDelaySeconds  float64
	Retryable        retry.Predicate
}

// DefaultRetryConfig disables retrying.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      1,
		Backoff:          retry.Fixed,
		BaseDelaySeconds: 0,
		MaxDelaySeconds:  0,
	}
}

func (r RetryConfig) validate(v *[]gerr.FieldViolation) {
	if r.MaxAttempts < 1 {
		*v = append(*v, gerr.FieldViolation{Field: "retry.max_attempts", Constraint: fmt.Sprintf("must be >= 1, got %d", r.MaxAttempts)})
	}
	switch r.Backoff {
	case retry.Fixed, retry.Exponential, retry.ExponentialJitter, "":
	default:
		*v = append(*v, gerr.FieldViolation{Field: "retry.backoff", Constraint: fmt.Sprintf("unknown backoff %q", r.Backoff)})
	}
	if r.BaseDelaySeconds < 0 {
		*v = append(*v, gerr.FieldViolation{Field: "retry.base_delay", Constraint: fmt.Sprintf("must be >= 0, got %v", r.BaseDelaySeconds)})
	}
	if r.MaxDelaySeconds < r.BaseDelaySeconds {
		*v = append(*v, gerr.FieldViolation{Field: "retry.max_delay", Constraint: fmt.Sprintf("must be >= base_delay (%v), got %v", r.BaseDelaySeconds, r.MaxDelaySeconds)})
	}
}

// Config is the complete, validated throttle configuration (§6).
type Config struct {
	MaxConcurrency             int
	InitialConcurrency         int // 0 means "start at MaxConcurrency"
	MinDispatchInterval        float64
	MaxDispatchInterval        float64
	FailureThreshold           int
	FailureWindowSeconds       float64
	CoolingPeriodSeconds       float64
	SafeCeilingDecayMultiplier float64
	JitterFraction             float64
	TotalTasks                 int
	FailurePredicate           FailurePredicate
	TokenBudget                *TokenBudget
	CircuitBreaker             *CircuitBreakerConfig
	Retry                      RetryConfig
	OnStateChange              gevent.Sink
	OnProgress                 gevent.ProgressSink
}

// DefaultConfig mirrors the original's ThrottleConfig dataclass defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:             5,
		MinDispatchInterval:        0.2,
		MaxDispatchInterval:        30.0,
		FailureThreshold:           3,
		FailureWindowSeconds:       60.0,
		CoolingPeriodSeconds:       60.0,
		SafeCeilingDecayMultiplier: 5.0,
		JitterFraction:             0.5,
		Retry:                      DefaultRetryConfig(),
	}
}

// Validate checks every field's constraint and returns a *gerr.ValidationFault
// naming every violation found, or nil if the config is valid.
func (c Config) Validate() *gerr.ValidationFault {
	var violations []gerr.FieldViolation

	if c.MaxConcurrency < 1 {
		violations = append(violations, gerr.FieldViolation{Field: "max_concurrency", Constraint: fmt.Sprintf("must be >= 1, got %d", c.MaxConcurrency)})
	}
	if c.InitialConcurrency != 0 && (c.InitialConcurrency < 1 || c.InitialConcurrency > c.MaxConcurrency) {
		violations = append(violations, gerr.FieldViolation{Field: "initial_concurrency", Constraint: fmt.Sprintf("must be between 1 and max_concurrency (%d), got %d", c.MaxConcurrency, c.InitialConcurrency)})
	}
	if c.MinDispatchInterval < 0 {
		violations = append(violations, gerr.FieldViolation{Field: "min_dispatch_interval", Constraint: fmt.Sprintf("must be >= 0, got %v", c.MinDispatchInterval)})
	}
	if c.MaxDispatchInterval < c.MinDispatchInterval {
		violations = append(violations, gerr.FieldViolation{Field: "max_dispatch_interval", Constraint: fmt.Sprintf("must be >= min_dispatch_interval (%v), got %v", c.MinDispatchInterval, c.MaxDispatchInterval)})
	}
	if c.FailureThreshold < 1 {
		violations = append(violations, gerr.FieldViolation{Field: "failure_threshold", Constraint: fmt.Sprintf("must be >= 1, got %d", c.FailureThreshold)})
	}
	if c.FailureWindowSeconds <= 0 {
		violations = append(violations, gerr.FieldViolation{Field: "failure_window", Constraint: fmt.Sprintf("must be > 0, got %v", c.FailureWindowSeconds)})
	}
	if c.CoolingPeriodSeconds <= 0 {
		violations = append(violations, gerr.FieldViolation{Field: "cooling_period", Constraint: fmt.Sprintf("must be > 0, got %v", c.CoolingPeriodSeconds)})
	}
	if c.SafeCeilingDecayMultiplier <= 0 {
		violations = append(violations, gerr.FieldViolation{Field: "safe_ceiling_decay_multiplier", Constraint: fmt.Sprintf("must be > 0, got %v", c.SafeCeilingDecayMultiplier)})
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		violations = append(violations, gerr.FieldViolation{Field: "jitter_fraction", Constraint: fmt.Sprintf("must be between 0.0 and 1.0, got %v", c.JitterFraction)})
	}
	if c.TotalTasks < 0 {
		violations = append(violations, gerr.FieldViolation{Field: "total_tasks", Constraint: fmt.Sprintf("must be >= 0, got %d", c.TotalTasks)})
	}
	if c.TokenBudget != nil {
		c.TokenBudget.validate(&violations)
	}
	if c.CircuitBreaker != nil {
		c.CircuitBreaker.validate(&violations)
	}
	c.Retry.validate(&violations)

	return gerr.NewValidationFault(violations...)
}

// FromMap builds a Config from a plain map, starting from DefaultConfig
// and overlaying whatever keys are present. Nested token_budget and
// circuit_breaker entries are themselves maps with float64/int values, as
// produced by decoding JSON.
func FromMap(data map[string]any) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := data["max_concurrency"]; ok {
		cfg.MaxConcurrency = toInt(v)
	}
	if v, ok := data["initial_concurrency"]; ok {
		cfg.InitialConcurrency = toInt(v)
	}
	if v, ok := data["min_dispatch_interval"]; ok {
		cfg.MinDispatchInterval = toFloat(v)
	}
	if v, ok := data["max_dispatch_interval"]; ok {
		cfg.MaxDispatchInterval = toFloat(v)
	}
	if v, ok := data["failure_threshold"]; ok {
		cfg.FailureThreshold = toInt(v)
	}
	if v, ok := data["failure_window"]; ok {
		cfg.FailureWindowSeconds = toFloat(v)
	}
	if v, ok := data["cooling_period"]; ok {
		cfg.CoolingPeriodSeconds = toFloat(v)
	}
	if v, ok := data["safe_ceiling_decay_multiplier"]; ok {
		cfg.SafeCeilingDecayMultiplier = toFloat(v)
	}
	if v, ok := data["jitter_fraction"]; ok {
		cfg.JitterFraction = toFloat(v)
	}
	if v, ok := data["total_tasks"]; ok {
		cfg.TotalTasks = toInt(v)
	}
	if v, ok := data["failure_predicate"]; ok {
		if fp, ok := v.(FailurePredicate); ok {
			cfg.FailurePredicate = fp
		}
	}
	if v, ok := data["on_state_change"]; ok {
		if s, ok := v.(gevent.Sink); ok {
			cfg.OnStateChange = s
		}
	}
	if v, ok := data["on_progress"]; ok {
		if s, ok := v.(gevent.ProgressSink); ok {
			cfg.OnProgress = s
		}
	}

	if v, ok := data["token_budget"]; ok {
		if tb, ok := v.(TokenBudget); ok {
			cfg.TokenBudget = &tb
		} else if m, ok := v.(map[string]any); ok {
			tb := TokenBudget{}
			if mv, ok := m["max_tokens"]; ok {
				tb.MaxTokens = toInt(mv)
			}
			if mv, ok := m["window_seconds"]; ok {
				tb.WindowSeconds = toFloat(mv)
			}
			cfg.TokenBudget = &tb
		}
	}

	if v, ok := data["circuit_breaker"]; ok {
		if cb, ok := v.(CircuitBreakerConfig); ok {
			cfg.CircuitBreaker = &cb
		} else if m, ok := v.(map[string]any); ok {
			cb := DefaultCircuitBreakerConfig()
			if mv, ok := m["consecutive_failures"]; ok {
				cb.ConsecutiveFailures = toInt(mv)
			}
			if mv, ok := m["open_duration"]; ok {
				cb.OpenDurationSeconds = toFloat(mv)
			}
			if mv, ok := m["half_open_max_calls"]; ok {
				cb.HalfOpenMaxCalls = toInt(mv)
			}
			cfg.CircuitBreaker = &cb
		}
	}

	if v, ok := data["retry"]; ok {
		if rc, ok := v.(RetryConfig); ok {
			cfg.Retry = rc
		} else if m, ok := v.(map[string]any); ok {
			rc := DefaultRetryConfig()
			if mv, ok := m["max_attempts"]; ok {
				rc.MaxAttempts = toInt(mv)
			}
			if mv, ok := m["backoff"]; ok {
				if s, ok := mv.(string); ok {
					rc.Backoff = retry.Backoff(s)
				}
			}
			if mv, ok := m["base_delay"]; ok {
				rc.BaseDelaySeconds = toFloat(mv)
			}
			if mv, ok := m["max_delay"]; ok {
				rc.MaxDelaySeconds = toFloat(mv)
			}
			if mv, ok := m["retryable"]; ok {
				if p, ok := mv.(retry.Predicate); ok {
					rc.Retryable = p
				}
			}
			cfg.Retry = rc
		}
	}

	if fault := cfg.Validate(); fault != nil {
		return Config{}, fault
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables named
// "<prefix>_<FIELD>", e.g. GENTLIFY_MAX_CONCURRENCY. prefix defaults to
// "GENTLIFY" when empty.
func FromEnv(prefix string) (Config, error) {
	if prefix == "" {
		prefix = "GENTLIFY"
	}
	cfg := DefaultConfig()

	intField := func(suffix string, dst *int) {
		if v, ok := os.LookupEnv(prefix + "_" + suffix); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	floatField := func(suffix string, dst *float64) {
		if v, ok := os.LookupEnv(prefix + "_" + suffix); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	intField("MAX_CONCURRENCY", &cfg.MaxConcurrency)
	intField("INITIAL_CONCURRENCY", &cfg.InitialConcurrency)
	intField("FAILURE_THRESHOLD", &cfg.FailureThreshold)
	intField("TOTAL_TASKS", &cfg.TotalTasks)
	floatField("MIN_DISPATCH_INTERVAL", &cfg.MinDispatchInterval)
	floatField("MAX_DISPATCH_INTERVAL", &cfg.MaxDispatchInterval)
	floatField("FAILURE_WINDOW", &cfg.FailureWindowSeconds)
	floatField("COOLING_PERIOD", &cfg.CoolingPeriodSeconds)
	floatField("SAFE_CEILING_DECAY_MULTIPLIER", &cfg.SafeCeilingDecayMultiplier)
	floatField("JITTER_FRACTION", &cfg.JitterFraction)

	tbMax, tbMaxOK := os.LookupEnv(prefix + "_TOKEN_BUDGET_MAX")
	tbWindow, tbWindowOK := os.LookupEnv(prefix + "_TOKEN_BUDGET_WINDOW")
	if tbMaxOK && tbWindowOK {
		maxTokens, _ := strconv.Atoi(tbMax)
		windowSeconds, _ := strconv.ParseFloat(tbWindow, 64)
		cfg.TokenBudget = &TokenBudget{MaxTokens: maxTokens, WindowSeconds: windowSeconds}
	}

	cbFailures, cbFailuresOK := os.LookupEnv(prefix + "_CIRCUIT_BREAKER_CONSECUTIVE_FAILURES")
	cbDuration, cbDurationOK := os.LookupEnv(prefix + "_CIRCUIT_BREAKER_OPEN_DURATION")
	cbHalfOpen, cbHalfOpenOK := os.LookupEnv(prefix + "_CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS")
	if cbFailuresOK || cbDurationOK || cbHalfOpenOK {
		cb := DefaultCircuitBreakerConfig()
		if cbFailuresOK {
			if n, err := strconv.Atoi(cbFailures); err == nil {
				cb.ConsecutiveFailures = n
			}
		}
		if cbDurationOK {
			if f, err := strconv.ParseFloat(cbDuration, 64); err == nil {
				cb.OpenDurationSeconds = f
			}
		}
		if cbHalfOpenOK {
			if n, err := strconv.Atoi(cbHalfOpen); err == nil {
				cb.HalfOpenMaxCalls = n
			}
		}
		cfg.CircuitBreaker = &cb
	}

	if fault := cfg.Validate(); fault != nil {
		return Config{}, fault
	}
	return cfg, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
