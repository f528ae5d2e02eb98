// Package gevent models the state-change notifications a Throttle emits
// (§6, §9 "any-dict event payloads... model as a sum-type").
//
// The Python original hands callbacks a dict-keyed ThrottleEvent; the Go
// re-architecture note in the spec calls for one variant per kind, each
// carrying its typed fields. Kind still identifies the variant (useful for
// logging and for sinks that only care about a subset of events), but the
// payload lives in the matching field instead of a map[string]any.
package gevent

import "github.com/google/uuid"

// Kind identifies which variant of Event is populated.
type Kind string

const (
	KindDecelerated    Kind = "decelerated"
	KindReaccelerated  Kind = "reaccelerated"
	KindCoolingStarted Kind = "cooling_started"
	KindCircuitOpened  Kind = "circuit_opened"
	KindCircuitClosed  Kind = "circuit_closed"
	KindRetry          Kind = "retry"
	KindProgress       Kind = "progress"
	KindClosed         Kind = "closed"
	KindDraining       Kind = "draining"
	KindDrained        Kind = "drained"
)

// Decelerated payload: emitted when a failure episode halves concurrency
// and doubles the dispatch interval.
type Decelerated struct {
	OldConcurrency int
	NewConcurrency int
	OldInterval    float64
	NewInterval    float64
	FailureCount   int
	SafeCeiling    int
}

// Reaccelerated payload: emitted when a cooling period elapses with no
// failures and concurrency/interval recover a step.
type Reaccelerated struct {
	OldConcurrency int
	NewConcurrency int
	OldInterval    float64
	NewInterval    float64
}

// CoolingStarted payload.
type CoolingStarted struct {
	CoolingPeriodSeconds float64
}

// CircuitOpened payload.
type CircuitOpened struct {
	ConsecutiveFailures int
	RetryAfterSeconds   float64
}

// CircuitClosed payload — no fields, the transition itself is the signal.
type CircuitClosed struct{}

// Retry payload: emitted once per retry attempt taken.
type Retry struct {
	Attempt       int
	DelaySeconds  float64
	ExceptionKind string
}

// Progress payload wraps a caller-supplied snapshot. Declared as `any`
// here to avoid an import cycle with the throttle package, which produces
// the concrete Snapshot type; throttle.Snapshot is always what's stored.
type Progress struct {
	Snapshot any
}

// Draining payload.
type Draining struct {
	InFlight int
}

// Drained / Closed payloads carry nothing.
type Drained struct{}
type Closed struct{}

// Event is the sum type delivered to an on-state-change sink. Exactly one
// of the typed fields is non-nil/non-zero, matching Kind.
type Event struct {
	Kind        Kind
	AtNanos     int64
	ThrottleID  uuid.UUID
	Decelerated   *Decelerated
	Reaccelerated *Reaccelerated
	Cooling       *CoolingStarted
	CircuitOpen   *CircuitOpened
	CircuitClose  *CircuitClosed
	RetryEvent    *Retry
	ProgressEvent *Progress
	DrainingEvent *Draining
	DrainedEvent  *Drained
	ClosedEvent   *Closed
}

// Sink receives Events. Matches the shape of the spec's on_state_change
// callback (fn(event) -> any); the return value has no meaning in Go, so
// Sink is a plain side-effecting func.
type Sink func(Event)

// ProgressSink receives snapshots on milestone crossings, matching the
// spec's on_progress callback. Declared with `any` for the same reason as
// Progress.Snapshot above.
type ProgressSink func(snapshot any)
