// Package slot defines the per-operation handle passed to a throttled
// callable.
package slot

import "github.com/google/uuid"

// Slot is the handle an operation receives inside Execute/Acquire.
//
// It holds only a value-typed ID and its own counters — no back-reference
// to the Throttle. The orchestrator reads TokensReported and Attempt after
// the operation returns; nothing about a Slot needs to outlive that single
// call. Per §9's "no cycles" note, this is a plain struct, safe to pass by
// pointer for the duration of one call and discard afterward.
type Slot struct {
	id             uuid.UUID
	tokensReported int
	attempt        int
}

// New creates a fresh Slot for one Execute/Acquire call.
func New() *Slot {
	return &Slot{id: uuid.New()}
}

// ID uniquely identifies this operation; it stays the same across all
// retry attempts of one Execute call.
func (s *Slot) ID() uuid.UUID { return s.id }

// RecordTokens reports token consumption for this operation. Additive:
// calling it multiple times accumulates.
func (s *Slot) RecordTokens(count int) {
	s.tokensReported += count
}

// TokensReported returns the running total reported via RecordTokens.
func (s *Slot) TokensReported() int { return s.tokensReported }

// Attempt returns the zero-indexed attempt number: 0 on the first call,
// incrementing on each retry.
func (s *Slot) Attempt() int { return s.attempt }

// SetAttempt is called by the orchestrator's retry loop; not part of the
// public contract an operation's own code should rely on beyond reading it.
func (s *Slot) SetAttempt(n int) { s.attempt = n }
