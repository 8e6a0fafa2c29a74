// Package service assembles the synchronization core: store, fingerprint
// cache, journal, pipeline, hydrator, watchdog and reconnect controller,
// wired together behind one handle with an explicit lifecycle. Nothing in
// the core is a singleton; everything is reachable only through the Core
// returned by New.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/sessionsync/config"
	"github.com/c360/sessionsync/dedup"
	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/hydrate"
	"github.com/c360/sessionsync/ingest"
	"github.com/c360/sessionsync/journal"
	"github.com/c360/sessionsync/metric"
	"github.com/c360/sessionsync/reconnect"
	"github.com/c360/sessionsync/store"
	"github.com/c360/sessionsync/transport"
	"github.com/c360/sessionsync/watchdog"
)

// Status represents the current status of the core.
type Status int

// Possible core statuses. Terminated is final: Stop releases the dedup
// cache and the controller, so a stopped core cannot be restarted.
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusTerminated
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Core is the assembled synchronization engine.
type Core struct {
	config *config.Config
	logger *slog.Logger

	store      *store.Store
	cache      *dedup.Cache
	ring       *journal.Ring
	pipeline   *ingest.Pipeline
	hydrator   *hydrate.Hydrator
	watchdog   *watchdog.Watchdog
	controller *reconnect.Controller

	broadcast  *nats.Conn
	ownsBroker bool

	status    atomic.Value // Status
	startTime atomic.Value // time.Time

	connMu sync.Mutex
	legsUp map[string]bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	runDone chan struct{}
}

// options collects the injectable collaborators.
type options struct {
	logger    *slog.Logger
	registry  *metric.Registry
	history   hydrate.History
	factory   reconnect.Factory
	broadcast *nats.Conn
}

// Option configures a Core.
type Option func(*options)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers every component's metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithHistory injects the backfill source. Without it the history service
// is resolved from the configured endpoint, or disabled when none is set.
func WithHistory(history hydrate.History) Option {
	return func(o *options) { o.history = history }
}

// WithTransportFactory injects the transport factory, replacing the
// endpoint-backed default.
func WithTransportFactory(factory reconnect.Factory) Option {
	return func(o *options) { o.factory = factory }
}

// WithBroadcastConn injects an existing broker connection for event
// mirroring instead of dialing the configured broadcast URL.
func WithBroadcastConn(conn *nats.Conn) Option {
	return func(o *options) { o.broadcast = conn }
}

// noHistory disables hydration fetches; every activation commits nothing.
type noHistory struct{}

func (noHistory) Fetch(context.Context, string) ([]event.Raw, error) { return nil, nil }

// New builds a Core from the configuration. The core does not touch the
// network until Start, except for the broadcast broker when configured.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "service", "New", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	c := &Core{
		config: cfg,
		logger: o.logger,
		ring:   journal.NewRing(cfg.Journal.Capacity),
		legsUp: make(map[string]bool),
	}
	c.status.Store(StatusStopped)

	var storeOpts []store.Option
	var dedupOpts []dedup.Option
	var ingestOpts []ingest.Option
	var reconnectOpts []reconnect.Option
	var hydrateOpts []hydrate.Option
	var watchdogOpts []watchdog.Option
	if o.registry != nil {
		storeOpts = append(storeOpts, store.WithMetrics(o.registry))
		dedupOpts = append(dedupOpts, dedup.WithMetrics(o.registry))
		ingestOpts = append(ingestOpts, ingest.WithMetrics(o.registry))
		reconnectOpts = append(reconnectOpts, reconnect.WithMetrics(o.registry))
		hydrateOpts = append(hydrateOpts, hydrate.WithMetrics(o.registry))
		watchdogOpts = append(watchdogOpts, watchdog.WithMetrics(o.registry))
	}

	st, err := store.New(cfg.StoreConfig(), storeOpts...)
	if err != nil {
		return nil, err
	}
	c.store = st

	cache, err := dedup.New(context.Background(), cfg.DedupConfig(), dedupOpts...)
	if err != nil {
		return nil, err
	}
	c.cache = cache

	// Broadcast mirroring is optional; the broker is dialed up front so a
	// bad URL fails construction, not the first event.
	if o.broadcast != nil {
		c.broadcast = o.broadcast
	} else if cfg.Broadcast.Enabled {
		url := cfg.Broadcast.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, nats.MaxReconnects(-1))
		if err != nil {
			cache.Close()
			return nil, errors.WrapTransient(err, "service", "New", "connect broadcast broker")
		}
		c.broadcast = conn
		c.ownsBroker = true
	}
	if c.broadcast != nil {
		ingestOpts = append(ingestOpts, ingest.WithBroadcast(c.broadcast, cfg.Broadcast.SubjectPrefix))
	}
	ingestOpts = append(ingestOpts, ingest.WithLogger(o.logger))

	// Construction failures past this point must release everything the
	// core already owns, the dialed broker included.
	cleanup := func() {
		cache.Close()
		if c.ownsBroker && c.broadcast != nil {
			c.broadcast.Close()
		}
	}

	pipeline, err := ingest.New(st, cache, c.ring, ingestOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	c.pipeline = pipeline

	history := o.history
	if history == nil {
		if cfg.Endpoints.HistoryBaseURL != "" {
			history, err = hydrate.NewHTTPHistory(cfg.Endpoints.HistoryBaseURL, "")
			if err != nil {
				cleanup()
				return nil, err
			}
		} else {
			history = noHistory{}
		}
	}

	hydrateOpts = append(hydrateOpts, hydrate.WithLogger(o.logger))
	hydrator, err := hydrate.New(cfg.HydrateConfig(), st, history, c.ring, hydrateOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	c.hydrator = hydrator

	watchdogOpts = append(watchdogOpts, watchdog.WithLogger(o.logger))
	wd, err := watchdog.New(cfg.WatchdogConfig(), st, c.ring, watchdogOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	c.watchdog = wd

	factory := o.factory
	if factory == nil {
		ef := &reconnect.EndpointFactory{
			StreamBaseURL: cfg.Endpoints.StreamBaseURL,
			PushBaseURL:   cfg.Endpoints.PushBaseURL,
			UseRelay:      cfg.Relay.Enabled,
			Relay: transport.RelayBridgeConfig{
				URL:     cfg.Relay.URL,
				Subject: cfg.Relay.Subject,
			},
		}
		if err := ef.Validate(); err != nil {
			cleanup()
			return nil, err
		}
		factory = ef
	}

	reconnectOpts = append(reconnectOpts, reconnect.WithLogger(o.logger))
	controller, err := reconnect.New(cfg.ReconnectConfig(), factory, reconnectOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	c.controller = controller

	// Track leg connectivity for Connected().
	c.pipeline.OnStatusChange(func(change reconnect.StatusChange) {
		c.connMu.Lock()
		c.legsUp[change.Leg] = change.Connected
		c.connMu.Unlock()
	})

	return c, nil
}

// Start launches the pipeline and the watchdog. The ctx bounds the core's
// whole run; cancelling it is equivalent to Stop without the wait.
func (c *Core) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	switch c.status.Load().(Status) {
	case StatusStopped:
	case StatusTerminated:
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "service", "Start", "launch core")
	default:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "service", "Start", "launch core")
	}
	c.status.Store(StatusStarting)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.runDone = make(chan struct{})

	if err := c.watchdog.Start(runCtx); err != nil {
		cancel()
		c.status.Store(StatusStopped)
		return err
	}

	go func(done chan struct{}) {
		defer close(done)
		if err := c.pipeline.Run(runCtx, c.controller); err != nil && runCtx.Err() == nil {
			c.logger.Error("pipeline exited", "error", err)
		}
	}(c.runDone)

	c.status.Store(StatusRunning)
	c.startTime.Store(time.Now())
	c.logger.Info("core started")
	return nil
}

// Stop disconnects every leg, drains the pipeline and releases resources.
// The timeout bounds how long to wait for the pipeline goroutine. A stopped
// core is terminated for good; build a new one to reconnect.
func (c *Core) Stop(timeout time.Duration) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.status.Load().(Status) != StatusRunning {
		return errors.WrapInvalid(errors.ErrNotStarted, "service", "Stop", "halt core")
	}
	c.status.Store(StatusStopping)

	c.hydrator.Cancel()
	c.controller.Close()

	select {
	case <-c.runDone:
	case <-time.After(timeout):
		c.logger.Warn("pipeline did not drain before timeout", "timeout", timeout)
	}
	c.cancel()

	if err := c.watchdog.Stop(); err != nil {
		c.logger.Warn("watchdog stop", "error", err)
	}
	c.cache.Close()
	// Only a broker the core dialed itself is the core's to close.
	if c.broadcast != nil && c.ownsBroker {
		c.broadcast.Close()
	}

	c.status.Store(StatusTerminated)
	c.logger.Info("core stopped")
	return nil
}

// Status returns the core's lifecycle status.
func (c *Core) Status() Status {
	return c.status.Load().(Status)
}

// Connected reports whether any connection leg is currently live.
func (c *Core) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	for _, up := range c.legsUp {
		if up {
			return true
		}
	}
	return false
}

// ActivateSession connects the session leg to sessionID and reconciles its
// resident state with history.
func (c *Core) ActivateSession(ctx context.Context, sessionID string) (hydrate.Result, error) {
	if err := c.controller.ConnectSession(ctx, sessionID); err != nil {
		return hydrate.Result{}, err
	}
	return c.hydrator.Activate(ctx, sessionID)
}

// ConnectUser starts the user-scoped leg with the given credentials.
func (c *Core) ConnectUser(ctx context.Context, creds reconnect.CredentialSource) error {
	return c.controller.ConnectUser(ctx, creds)
}

// DisconnectUser tears the user leg down.
func (c *Core) DisconnectUser() { c.controller.DisconnectUser() }

// DisconnectAll tears every leg down.
func (c *Core) DisconnectAll() { c.controller.DisconnectAll() }

// Subscribe registers a handler for admitted events.
func (c *Core) Subscribe(fn ingest.EventHandler) func() {
	return c.pipeline.Subscribe(fn)
}

// OnStatusChange registers a handler for leg connectivity transitions.
func (c *Core) OnStatusChange(fn ingest.StatusHandler) func() {
	return c.pipeline.OnStatusChange(fn)
}

// OnError registers a handler for stream diagnostics.
func (c *Core) OnError(fn ingest.ErrorHandler) func() {
	return c.pipeline.OnError(fn)
}

// Events returns the resident events of one session in insertion order.
func (c *Core) Events(sessionID string) []event.Canonical {
	return c.store.SessionEvents(sessionID)
}

// Diagnostics returns a snapshot of the journal, oldest first.
func (c *Core) Diagnostics() []journal.Entry {
	return c.ring.Entries()
}

// Reset destructively clears all resident state: store, fingerprint cache
// and journal. Debug recovery only; live connections stay up.
func (c *Core) Reset() {
	c.hydrator.Cancel()
	c.store.Clear()
	c.cache.Reset()
	c.ring.Clear()
	c.logger.Warn("core state reset")
}
