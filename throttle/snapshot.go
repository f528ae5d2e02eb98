package throttle

// Snapshot is a point-in-time view of a Throttle's state, returned by
// Snapshot() and delivered to OnProgress callbacks on milestone crossings
// (§4.8, §6).
type Snapshot struct {
	Concurrency      int
	MaxConcurrency   int
	DispatchInterval float64
	CompletedTasks   int
	TotalTasks       int
	FailureCount     int
	State            State
	SafeCeiling      int
	ETASeconds       float64
	HasETA           bool
	TokensUsed       int
	TokensRemaining  int
	HasTokenBudget   bool
}
