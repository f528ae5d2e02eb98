// Package progress implements the completion/ETA tracker described in
// §4.6 of the throttle spec, grounded on _progress.py's rolling-average
// duration buffer and percentage-milestone detector.
package progress

import (
	"sync"
)

const defaultRollingSize = 50

// Tracker tracks task completion, computes an ETA from a rolling average
// of recent durations, and detects percentage-milestone crossings.
//
// Thread-safe: safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	totalTasks   int
	milestonePct float64

	completed     int
	durations     []float64
	durationsHead int
	durationsLen  int
	lastMilestone int
}

// New creates a Tracker for totalTasks, firing a milestone event every
// milestonePct percent of completion.
func New(totalTasks int, milestonePct float64) *Tracker {
	return &Tracker{
		totalTasks:   totalTasks,
		milestonePct: milestonePct,
		durations:    make([]float64, defaultRollingSize),
	}
}

// RecordCompletion records one task's completion duration (seconds) and
// reports whether this completion crossed a new milestone boundary.
func (t *Tracker) RecordCompletion(durationSeconds float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed++
	t.pushDuration(durationSeconds)

	if t.totalTasks <= 0 || t.milestonePct <= 0 {
		return false
	}

	current := int(t.percentageLocked() / t.milestonePct)
	if current > t.lastMilestone {
		t.lastMilestone = current
		return true
	}
	return false
}

func (t *Tracker) pushDuration(d float64) {
	idx := (t.durationsHead + t.durationsLen) % len(t.durations)
	t.durations[idx] = d
	if t.durationsLen < len(t.durations) {
		t.durationsLen++
	} else {
		t.durationsHead = (t.durationsHead + 1) % len(t.durations)
	}
}

// Completed returns the number of completions recorded so far.
func (t *Tracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Percentage returns completion percentage, capped at 100.
func (t *Tracker) Percentage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentageLocked()
}

func (t *Tracker) percentageLocked() float64 {
	if t.totalTasks <= 0 {
		return 0
	}
	pct := (float64(t.completed) / float64(t.totalTasks)) * 100.0
	if pct > 100.0 {
		return 100.0
	}
	return pct
}

// ETASeconds returns the estimated remaining time based on a rolling
// average of recent completion durations. The second return value is
// false if no durations have been recorded yet, or totalTasks <= 0.
func (t *Tracker) ETASeconds() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.durationsLen == 0 || t.totalTasks <= 0 {
		return 0, false
	}
	remaining := t.totalTasks - t.completed
	if remaining <= 0 {
		return 0, true
	}

	var sum float64
	for i := 0; i < t.durationsLen; i++ {
		sum += t.durations[(t.durationsHead+i)%len(t.durations)]
	}
	avg := sum / float64(t.durationsLen)
	return avg * float64(remaining), true
}
