// Package watchdog sweeps the store for events stuck in the streaming
// state. A completion marker lost in transit would otherwise leave an event
// partial forever; the watchdog force-completes anything partial for longer
// than the stale threshold.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/journal"
	"github.com/c360/sessionsync/metric"
	"github.com/c360/sessionsync/pkg/timestamp"
	"github.com/c360/sessionsync/store"
)

// Config controls sweep pacing.
type Config struct {
	// Interval is the sweep cadence.
	Interval time.Duration

	// StaleAfter is how long an event may stay partial before it is
	// force-completed.
	StaleAfter time.Duration
}

// DefaultConfig returns the standard watchdog settings.
func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Second,
		StaleAfter: 45 * time.Second,
	}
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 45 * time.Second
	}
	return nil
}

// Watchdog periodically force-completes stale partial events.
type Watchdog struct {
	config  Config
	store   *store.Store
	journal *journal.Ring
	logger  *slog.Logger

	corrections prometheus.Counter

	mu       sync.Mutex
	started  bool
	shutdown chan struct{}
	done     chan struct{}
}

// Option configures a Watchdog.
type Option func(*Watchdog) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watchdog) error {
		if logger != nil {
			w.logger = logger
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics export for corrections.
func WithMetrics(registry *metric.Registry) Option {
	return func(w *Watchdog) error {
		corrections := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionsync",
			Subsystem: "watchdog",
			Name:      "corrections_total",
			Help:      "Total stale partial events force-completed",
		})
		if err := registry.RegisterCounter("watchdog", "corrections_total", corrections); err != nil {
			return err
		}
		w.corrections = corrections
		return nil
	}
}

// New creates a Watchdog over the given store and journal.
func New(config Config, st *store.Store, ring *journal.Ring, opts ...Option) (*Watchdog, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if st == nil || ring == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "watchdog", "New", "check dependencies")
	}
	w := &Watchdog{
		config:  config,
		store:   st,
		journal: ring,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, errors.WrapTransient(err, "watchdog", "New", "apply option")
		}
	}
	return w, nil
}

// Start launches the sweep loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "watchdog", "Start", "launch sweep loop")
	}
	w.started = true
	w.shutdown = make(chan struct{})
	w.done = make(chan struct{})

	go w.loop(ctx, w.shutdown, w.done)
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "watchdog", "Stop", "halt sweep loop")
	}
	w.started = false
	shutdown, done := w.shutdown, w.done
	w.mu.Unlock()

	close(shutdown)
	<-done
	return nil
}

func (w *Watchdog) loop(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep force-completes every resident event that has been partial for
// longer than the stale threshold, returning the number corrected.
func (w *Watchdog) Sweep() int {
	corrected := 0
	for _, ce := range w.store.Snapshot() {
		if !ce.Partial {
			continue
		}
		basis := ce.UpdatedAt
		if ce.CreatedAt > basis {
			basis = ce.CreatedAt
		}
		if basis > 0 && timestamp.Age(basis) <= w.config.StaleAfter {
			continue
		}
		if basis == 0 {
			// No timestamp to age against; leave it to the next
			// delivery or hydration.
			continue
		}
		if !w.store.ForceComplete(ce.ID) {
			continue
		}
		corrected++
		w.journal.Record(journal.Entry{
			Kind:      journal.KindWatchdog,
			SessionID: ce.SessionID,
			EventID:   ce.ID,
			Detail:    "stale partial force-completed",
		})
		if w.corrections != nil {
			w.corrections.Inc()
		}
		w.logger.Warn("stale partial force-completed",
			"session_id", ce.SessionID, "event_id", ce.ID, "age", timestamp.Age(basis))
	}
	return corrected
}
