// Package gerr defines the three fault kinds the throttle core raises
// itself (§7 of the spec), as distinct from user faults returned by a
// caller's operation, which the throttle only ever counts and re-propagates,
// never wraps.
package gerr

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// FieldViolation names one constraint a config field failed.
type FieldViolation struct {
	Field      string
	Constraint string
}

func (v FieldViolation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Constraint)
}

// ValidationFault reports every constraint ThrottleConfig construction
// violated, not just the first — callers debugging a bad config want the
// whole list in one pass.
type ValidationFault struct {
	Violations []FieldViolation
	cause      error
}

// NewValidationFault builds a ValidationFault from one or more violations.
// It wraps the first violation with github.com/pkg/errors so callers who
// only care about the earliest failure can still errors.Cause() down to it,
// while Error() surfaces the complete list.
func NewValidationFault(violations ...FieldViolation) *ValidationFault {
	if len(violations) == 0 {
		return nil
	}
	first := fmt.Errorf("%s", violations[0].String())
	return &ValidationFault{
		Violations: violations,
		cause:      errors.Wrap(first, "invalid throttle configuration"),
	}
}

func (f *ValidationFault) Error() string {
	parts := make([]string, len(f.Violations))
	for i, v := range f.Violations {
		parts[i] = v.String()
	}
	return "invalid throttle configuration: " + strings.Join(parts, "; ")
}

// Cause returns the wrapped first violation, for errors.Cause() callers.
func (f *ValidationFault) Cause() error { return f.cause }

func (f *ValidationFault) Unwrap() error { return f.cause }

// CircuitOpenFault is raised when the circuit breaker refuses admission.
type CircuitOpenFault struct {
	RetryAfterSeconds float64
}

func (f *CircuitOpenFault) Error() string {
	return fmt.Sprintf("circuit breaker is open, retry after %.1fs", f.RetryAfterSeconds)
}

// ThrottleClosedFault is raised when acquisition is attempted after Close.
type ThrottleClosedFault struct{}

func (f *ThrottleClosedFault) Error() string {
	return "throttle is closed and no longer accepting requests"
}

// IsCircuitOpen reports whether err is (or wraps) a *CircuitOpenFault.
func IsCircuitOpen(err error) (*CircuitOpenFault, bool) {
	var f *CircuitOpenFault
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsThrottleClosed reports whether err is (or wraps) a *ThrottleClosedFault.
func IsThrottleClosed(err error) bool {
	var f *ThrottleClosedFault
	return stderrors.As(err, &f)
}

// IsValidationFault reports whether err is (or wraps) a *ValidationFault.
func IsValidationFault(err error) (*ValidationFault, bool) {
	var f *ValidationFault
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}
