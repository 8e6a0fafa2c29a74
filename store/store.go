// Package store maintains the canonical in-memory event state: an
// identity-keyed event map plus session-ordered indices. It is the single
// source of truth read by rendering and session bookkeeping, written by the
// ingestion pipeline and the hydration protocol.
//
// Invariants:
//   - exactly one resident event exists per id; re-adding an id overwrites
//     content in place
//   - every id in a session list exists in the id map, and every resident
//     event appears exactly once in its session's list
//   - Partial only transitions true to false, never false to true, except
//     through the explicit correction paths (AddCorrected, ForceComplete)
//
// The store is a size-bounded cache, not durable storage: sessions beyond
// the configured maximum are evicted and recovered later via re-hydration.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/metric"
	"github.com/c360/sessionsync/pkg/timestamp"
)

// recencyWindow is how many of a session's most recent events are examined
// when ranking sessions for eviction.
const recencyWindow = 3

// Config contains configuration for the canonical event store.
type Config struct {
	// MaxSessions bounds the number of resident sessions. The active
	// session is never evicted regardless of age.
	MaxSessions int `json:"max_sessions"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxSessions: 20}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MaxSessions <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "store", "Validate",
			fmt.Sprintf("max_sessions must be positive, got %d", c.MaxSessions))
	}
	return nil
}

// Option configures store behavior.
type Option func(*options)

type options struct {
	metricsReg *metric.Registry
}

// WithMetrics enables Prometheus metrics export for store activity.
// If registry is nil, this option is ignored.
func WithMetrics(registry *metric.Registry) Option {
	return func(o *options) {
		o.metricsReg = registry
	}
}

// Store is the canonical event store.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]event.Canonical
	bySession   map[string][]string
	maxSessions int
	active      string

	metrics *storeMetrics
}

// New creates a canonical event store.
func New(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	var metrics *storeMetrics
	if o.metricsReg != nil {
		var err error
		metrics, err = newStoreMetrics(o.metricsReg)
		if err != nil {
			return nil, errors.WrapTransient(err, "store", "New", "metrics registration")
		}
	}

	return &Store{
		byID:        make(map[string]event.Canonical),
		bySession:   make(map[string][]string),
		maxSessions: cfg.MaxSessions,
		metrics:     metrics,
	}, nil
}

// Add upserts an event by id, updating both indices. Adding an id that is
// already resident overwrites content in place; Partial may only transition
// true to false through this path. An event with no id is rejected and
// nothing is applied.
func (s *Store) Add(ce event.Canonical) error {
	return s.add(ce, false)
}

// AddCorrected upserts an event through the correction path used by
// hydration: the Partial monotonicity guard is bypassed so a backfilled
// view can override resident streaming state in either direction.
func (s *Store) AddCorrected(ce event.Canonical) error {
	return s.add(ce, true)
}

func (s *Store) add(ce event.Canonical, correction bool) error {
	if ce.ID == "" {
		return errors.WrapInvalid(errors.ErrEventNoID, "store", "Add", "index event")
	}
	if ce.SessionID == "" {
		return errors.WrapInvalid(errors.ErrMissingField, "store", "Add", "index event without session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byID[ce.ID]
	if exists {
		// Session membership is fixed at first insert so the id appears in
		// exactly one session list.
		ce.SessionID = existing.SessionID
		if ce.CreatedAt == 0 {
			ce.CreatedAt = existing.CreatedAt
		}
		if !correction && !existing.Partial && ce.Partial {
			ce.Partial = false
		}
		s.byID[ce.ID] = ce
		return nil
	}

	newSession := len(s.bySession[ce.SessionID]) == 0

	s.byID[ce.ID] = ce
	s.bySession[ce.SessionID] = append(s.bySession[ce.SessionID], ce.ID)

	if newSession && len(s.bySession) > s.maxSessions {
		s.evictLocked()
	}

	s.updateGauges()
	return nil
}

// Remove deletes an event from both indices. Returns true if it was resident.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce, exists := s.byID[id]
	if !exists {
		return false
	}

	delete(s.byID, id)
	s.removeFromSessionLocked(ce.SessionID, id)
	s.updateGauges()
	return true
}

// Get returns the resident event for id, if any.
func (s *Store) Get(id string) (event.Canonical, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ce, ok := s.byID[id]
	return ce, ok
}

// Session returns the ordered event ids for a session.
func (s *Store) Session(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// SessionEvents returns a session's resident events in insertion order.
func (s *Store) SessionEvents(sessionID string) []event.Canonical {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	out := make([]event.Canonical, 0, len(ids))
	for _, id := range ids {
		if ce, ok := s.byID[id]; ok {
			out = append(out, ce)
		}
	}
	return out
}

// Sessions returns the resident session ids in no particular order.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.bySession))
	for id := range s.bySession {
		out = append(out, id)
	}
	return out
}

// Snapshot returns a copy of every resident event in no particular order.
func (s *Store) Snapshot() []event.Canonical {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]event.Canonical, 0, len(s.byID))
	for _, ce := range s.byID {
		out = append(out, ce)
	}
	return out
}

// Len returns the number of resident events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// SessionCount returns the number of resident sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession)
}

// SetActiveSession marks the session that must never be evicted.
func (s *Store) SetActiveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = sessionID
}

// ActiveSession returns the currently active session id.
func (s *Store) ActiveSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ForceComplete clears the Partial flag on an event and bumps its update
// timestamp. Returns true if the event existed and was still partial. This
// is the watchdog correction path for streaming turns whose end-of-stream
// signal was lost.
func (s *Store) ForceComplete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce, exists := s.byID[id]
	if !exists || !ce.Partial {
		return false
	}

	ce.Partial = false
	ce.UpdatedAt = timestamp.Now()
	s.byID[id] = ce

	if s.metrics != nil {
		s.metrics.corrections.Inc()
	}
	return true
}

// Clear performs a full reset. Destructive debug recovery only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]event.Canonical)
	s.bySession = make(map[string][]string)
	s.updateGauges()
}

// evictLocked prunes the oldest non-active sessions until headroom exists,
// removing one more session than strictly necessary. Recency is the max
// event timestamp among a session's last few events.
// Must be called with the mutex held.
func (s *Store) evictLocked() {
	type ranked struct {
		sessionID string
		recency   int64
	}

	candidates := make([]ranked, 0, len(s.bySession))
	for sessionID := range s.bySession {
		if sessionID == s.active {
			continue
		}
		candidates = append(candidates, ranked{sessionID, s.recencyLocked(sessionID)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].recency < candidates[j].recency
	})

	excess := len(s.bySession) - s.maxSessions
	if excess <= 0 {
		return
	}
	toEvict := excess + 1
	if toEvict > len(candidates) {
		toEvict = len(candidates)
	}

	for _, c := range candidates[:toEvict] {
		for _, id := range s.bySession[c.sessionID] {
			delete(s.byID, id)
		}
		delete(s.bySession, c.sessionID)
		if s.metrics != nil {
			s.metrics.evictedSessions.Inc()
		}
	}
}

// recencyLocked returns the max event timestamp among the session's last few
// events. Must be called with the mutex held.
func (s *Store) recencyLocked(sessionID string) int64 {
	ids := s.bySession[sessionID]
	start := len(ids) - recencyWindow
	if start < 0 {
		start = 0
	}

	var max int64
	for _, id := range ids[start:] {
		if ce, ok := s.byID[id]; ok {
			ts := ce.UpdatedAt
			if ce.CreatedAt > ts {
				ts = ce.CreatedAt
			}
			if ts > max {
				max = ts
			}
		}
	}
	return max
}

// removeFromSessionLocked drops an id from its session list, deleting the
// list when it empties. Must be called with the mutex held.
func (s *Store) removeFromSessionLocked(sessionID, id string) {
	ids := s.bySession[sessionID]
	for i, candidate := range ids {
		if candidate == id {
			s.bySession[sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.bySession[sessionID]) == 0 {
		delete(s.bySession, sessionID)
	}
}

// updateGauges refreshes resident-size gauges. Must be called with the
// mutex held.
func (s *Store) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.residentEvents.Set(float64(len(s.byID)))
	s.metrics.residentSessions.Set(float64(len(s.bySession)))
}
