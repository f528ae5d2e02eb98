// Package window implements the bounded (timestamp, value) log shared by
// failure counting and token-budget accounting.
//
// This is the one primitive underneath both the adaptive failure window and
// the token bucket (§4.1, §4.4 of the throttle spec): a deque of entries
// pruned lazily, on read, so Record stays O(1) amortized. The pruning logic
// mirrors the teacher's pkg/algorithm/slidingwindow event log — sorted by
// construction, so pruning only ever trims from the front.
package window

import (
	"sync"

	"github.com/pointmatic/gentlify-go/pkg/clock"
)

type entry struct {
	atNanos int64
	value   float64
}

// SlidingWindow is a bounded, monotone-timestamp (timestamp, value) log.
//
// Thread-safe: all exported methods are safe for concurrent use.
type SlidingWindow struct {
	clock       clock.Clock
	windowNanos int64

	mu      sync.Mutex
	entries []entry
}

// New creates a SlidingWindow spanning windowSeconds.
func New(clk clock.Clock, windowSeconds float64) *SlidingWindow {
	return &SlidingWindow{
		clock:       clk,
		windowNanos: int64(windowSeconds * 1e9),
	}
}

// Record appends (now, value) to the log.
func (w *SlidingWindow) Record(value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry{atNanos: w.clock.NowNanos(), value: value})
}

// Total prunes expired entries and returns the sum of what remains.
func (w *SlidingWindow) Total() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	var sum float64
	for _, e := range w.entries {
		sum += e.value
	}
	return sum
}

// Count prunes expired entries and returns the number that remain.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.entries)
}

// Clear empties the log.
func (w *SlidingWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
}

// OldestNanos returns the timestamp of the oldest surviving entry and true,
// or (0, false) if the log is empty after pruning. Used by TokenBucket to
// compute how long to sleep until capacity frees up.
func (w *SlidingWindow) OldestNanos() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	if len(w.entries) == 0 {
		return 0, false
	}
	return w.entries[0].atNanos, true
}

// prune drops every leading entry at least windowNanos old (timestamp <=
// now-windowNanos). Must be called with mu held. Entries are appended in
// non-decreasing timestamp order, so once we hit one still inside the
// window every entry after it is too.
func (w *SlidingWindow) prune() {
	cutoff := w.clock.NowNanos() - w.windowNanos
	i := 0
	for i < len(w.entries) && w.entries[i].atNanos <= cutoff {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
