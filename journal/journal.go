// Package journal provides a bounded in-memory ring of diagnostic entries
// recording what the ingestion core did with every raw delivery: raw-in,
// duplicate-drop, parse-error, successful unify, hydration and watchdog
// activity. The ring is for offline inspection only and is not part of the
// correctness contract; when full, the oldest entries are overwritten.
package journal

import (
	"sync"
	"time"
)

// Kind identifies what a journal entry records.
type Kind string

// Journal entry kinds.
const (
	KindRawIn        Kind = "raw_in"
	KindDupDrop      Kind = "dup_drop"
	KindParseError   Kind = "parse_error"
	KindUnified      Kind = "unified"
	KindHydration    Kind = "hydration"
	KindWatchdog     Kind = "watchdog"
	KindStatusChange Kind = "status_change"
)

// Entry is one diagnostic record.
type Entry struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Ring is a fixed-capacity, thread-safe diagnostic ring buffer with
// drop-oldest overflow.
type Ring struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int // next write position
	size     int
	dropped  uint64 // entries overwritten since creation
}

// DefaultCapacity bounds the ring when no capacity is configured.
const DefaultCapacity = 1000

// NewRing creates a diagnostic ring holding at most capacity entries.
// Non-positive capacities fall back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Record appends an entry, stamping it with the current time if unset.
// When the ring is full the oldest entry is overwritten.
func (r *Ring) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = e
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.dropped++
	}
}

// Entries returns a snapshot of the resident entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(start+i)%r.capacity]
	}
	return out
}

// Len returns the current number of resident entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of resident entries.
func (r *Ring) Capacity() int {
	return r.capacity
}

// Dropped returns how many entries have been overwritten since creation.
func (r *Ring) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Clear removes all resident entries.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		r.entries[i] = Entry{}
	}
	r.head = 0
	r.size = 0
}
