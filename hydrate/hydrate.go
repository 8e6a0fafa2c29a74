// Package hydrate reconciles the resident store with the history service
// when a session becomes active. At most one hydration is in flight per
// core; a newer activation supersedes an older one, and a superseded fetch
// result is discarded rather than committed. Hydration failures degrade to
// the resident state and never propagate as hard errors.
package hydrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/journal"
	"github.com/c360/sessionsync/metric"
	"github.com/c360/sessionsync/pkg/timestamp"
	"github.com/c360/sessionsync/store"
)

// History fetches a session's backfill from the external history service.
type History interface {
	Fetch(ctx context.Context, sessionID string) ([]event.Raw, error)
}

// Outcome classifies how an activation resolved.
type Outcome string

// Activation outcomes.
const (
	// OutcomeFresh means resident state was recent enough to reuse
	// without fetching.
	OutcomeFresh Outcome = "fresh"

	// OutcomeHydrated means the backfill was fetched and committed.
	OutcomeHydrated Outcome = "hydrated"

	// OutcomeSuperseded means a newer activation claimed the token while
	// the fetch was in flight; the result was discarded.
	OutcomeSuperseded Outcome = "superseded"

	// OutcomeFallback means the fetch failed and the resident state
	// stands as-is.
	OutcomeFallback Outcome = "fallback"
)

// Result describes one activation.
type Result struct {
	SessionID string
	Outcome   Outcome

	// Applied is the number of backfill events committed to the store.
	Applied int

	// Err carries the fetch failure on OutcomeFallback. Soft: the
	// resident state remains serviceable.
	Err error
}

// Config controls freshness and fetch pacing.
type Config struct {
	// FreshnessTTL is how recent the newest resident event must be for
	// the resident state to be reused without a fetch.
	FreshnessTTL time.Duration

	// FetchTimeout bounds one history fetch.
	FetchTimeout time.Duration
}

// DefaultConfig returns the standard hydration settings.
func DefaultConfig() Config {
	return Config{
		FreshnessTTL: 60 * time.Second,
		FetchTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.FreshnessTTL <= 0 {
		c.FreshnessTTL = 60 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	return nil
}

// activation is the in-flight hydration token. Generation numbers increase
// monotonically; a fetch result commits only if its generation is still the
// current one.
type activation struct {
	generation uint64
	sessionID  string
	cancel     context.CancelFunc
}

// Hydrator owns the activation token and the backfill commit path.
type Hydrator struct {
	config  Config
	store   *store.Store
	history History
	journal *journal.Ring
	logger  *slog.Logger

	outcomes *prometheus.CounterVec

	mu         sync.Mutex
	generation uint64
	active     *activation
}

// Option configures a Hydrator.
type Option func(*Hydrator) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hydrator) error {
		if logger != nil {
			h.logger = logger
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics export for activation outcomes.
func WithMetrics(registry *metric.Registry) Option {
	return func(h *Hydrator) error {
		outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "hydrate",
			Name:      "activations_total",
			Help:      "Total session activations by outcome",
		}, []string{"outcome"})
		if err := registry.RegisterCounterVec("hydrate", "activations_total", outcomes); err != nil {
			return err
		}
		h.outcomes = outcomes
		return nil
	}
}

// New creates a Hydrator. Store, history and journal are required.
func New(config Config, st *store.Store, history History, ring *journal.Ring, opts ...Option) (*Hydrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if st == nil || history == nil || ring == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "hydrate", "New", "check dependencies")
	}
	h := &Hydrator{
		config:  config,
		store:   st,
		history: history,
		journal: ring,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, errors.WrapTransient(err, "hydrate", "New", "apply option")
		}
	}
	return h, nil
}

// Activate makes sessionID the active session and reconciles its resident
// state with history. Fresh resident state short-circuits the fetch. The
// returned error is non-nil only for invalid input; fetch failures come
// back as OutcomeFallback with Result.Err set.
func (h *Hydrator) Activate(ctx context.Context, sessionID string) (Result, error) {
	if sessionID == "" {
		return Result{}, errors.WrapInvalid(errors.ErrMissingField, "hydrate", "Activate", "check session id")
	}

	h.mu.Lock()
	h.store.SetActiveSession(sessionID)

	if h.freshLocked(sessionID) {
		h.mu.Unlock()
		h.record(sessionID, OutcomeFresh, "resident state fresh, fetch skipped")
		return Result{SessionID: sessionID, Outcome: OutcomeFresh}, nil
	}

	// Claim the token, superseding any in-flight hydration.
	if h.active != nil {
		h.active.cancel()
	}
	h.generation++
	generation := h.generation

	fetchCtx, cancel := context.WithTimeout(ctx, h.config.FetchTimeout)
	h.active = &activation{generation: generation, sessionID: sessionID, cancel: cancel}
	h.mu.Unlock()

	defer cancel()
	fetched, err := h.history.Fetch(fetchCtx, sessionID)

	h.mu.Lock()
	current := h.active != nil && h.active.generation == generation
	if current {
		h.active = nil
	}
	if !current {
		h.mu.Unlock()
		h.record(sessionID, OutcomeSuperseded, "newer activation claimed the token")
		return Result{SessionID: sessionID, Outcome: OutcomeSuperseded}, nil
	}

	if err != nil {
		h.mu.Unlock()
		soft := errors.WrapTransient(err, "hydrate", "Activate", "fetch history")
		h.logger.Warn("hydration failed, serving resident state",
			"session_id", sessionID, "error", err)
		h.record(sessionID, OutcomeFallback, soft.Error())
		return Result{SessionID: sessionID, Outcome: OutcomeFallback, Err: soft}, nil
	}

	applied := 0
	for _, raw := range fetched {
		if raw.SessionID == "" {
			raw.SessionID = sessionID
		}
		ce := event.Normalize(raw, "hydration")
		if addErr := h.store.AddCorrected(ce); addErr != nil {
			h.logger.Warn("backfill event rejected",
				"session_id", sessionID, "event_id", raw.EventID, "error", addErr)
			continue
		}
		applied++
	}
	h.mu.Unlock()

	h.record(sessionID, OutcomeHydrated, "")
	h.logger.Info("session hydrated", "session_id", sessionID, "applied", applied)
	return Result{SessionID: sessionID, Outcome: OutcomeHydrated, Applied: applied}, nil
}

// Cancel aborts any in-flight hydration and releases the token.
func (h *Hydrator) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		h.active.cancel()
		h.active = nil
	}
}

// freshLocked reports whether the session's resident state is recent enough
// to reuse. A session with resident events but no determinable timestamp
// counts as fresh.
func (h *Hydrator) freshLocked(sessionID string) bool {
	events := h.store.SessionEvents(sessionID)
	if len(events) == 0 {
		return false
	}
	var newest int64
	for _, ce := range events {
		if ce.UpdatedAt > newest {
			newest = ce.UpdatedAt
		}
		if ce.CreatedAt > newest {
			newest = ce.CreatedAt
		}
	}
	if newest == 0 {
		return true
	}
	return timestamp.Age(newest) <= h.config.FreshnessTTL
}

// record journals one activation outcome and bumps its counter.
func (h *Hydrator) record(sessionID string, outcome Outcome, detail string) {
	h.journal.Record(journal.Entry{
		Kind:      journal.KindHydration,
		SessionID: sessionID,
		Source:    string(outcome),
		Detail:    detail,
	})
	if h.outcomes != nil {
		h.outcomes.WithLabelValues(string(outcome)).Inc()
	}
}
