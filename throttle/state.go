package throttle

// State is the throttle's lifecycle/adaptation state as reported by
// Snapshot; CircuitOpen is derived from the circuit breaker (§4.8, §6).
type State string

const (
	// Running is the normal operating state.
	Running State = "running"
	// Cooling follows a deceleration; it reverts to Running once
	// CoolingPeriodSeconds elapses with no further failures.
	Cooling State = "cooling"
	// CircuitOpen mirrors the breaker: Snapshot reports it while the
	// circuit breaker is OPEN or HALF_OPEN. OPEN refuses admission;
	// HALF_OPEN admits up to HalfOpenMaxCalls probes.
	CircuitOpen State = "circuit_open"
	// Closed means Close has been called: no new acquisitions admitted.
	Closed State = "closed"
	// Draining means Drain is in progress: no new acquisitions admitted,
	// waiting for in-flight operations to finish.
	Draining State = "draining"
)
