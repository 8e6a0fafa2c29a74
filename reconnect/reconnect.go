// Package reconnect owns transport lifetimes. The controller keeps at most
// one live transport per connection leg (the session-scoped leg and the
// user-scoped leg), redials dropped connections with jittered exponential
// backoff, and merges every leg's deliveries into one event stream for the
// ingestion pipeline.
package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/metric"
	"github.com/c360/sessionsync/pkg/retry"
	"github.com/c360/sessionsync/transport"
)

// Leg names for status changes and metrics.
const (
	LegSession = "session"
	LegUser    = "user"
)

// CredentialSource supplies the bearer credential for the user leg. Token
// is called before every dial attempt so a refreshed credential is picked
// up on reconnect.
type CredentialSource interface {
	// Identity names the credential owner. Connecting the user leg for
	// the same identity is a no-op; a different identity tears the old
	// leg down first.
	Identity() string

	// Token returns the current bearer credential.
	Token(ctx context.Context) (string, error)
}

// Factory builds one transport per dial attempt. Transports are single-shot
// so every redial gets a fresh instance.
type Factory interface {
	Session(sessionID string) (transport.Transport, error)
	User(token string) (transport.Transport, error)
}

// StatusChange reports one leg's connectivity transition.
type StatusChange struct {
	Leg       string
	Connected bool
}

// Config controls dial pacing.
type Config struct {
	// Backoff paces redial attempts. Zero value means retry.Persistent().
	Backoff retry.Config

	// DialTimeout bounds each connection attempt. Zero means 15s.
	DialTimeout time.Duration
}

// DefaultConfig returns the standard pacing: 1s initial delay doubling to a
// 30s cap with jitter, unbounded attempts, 15s per dial.
func DefaultConfig() Config {
	return Config{
		Backoff:     retry.Persistent(),
		DialTimeout: 15 * time.Second,
	}
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = retry.Persistent()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	return nil
}

// Controller multiplexes the session and user legs into one event stream
// and keeps each leg alive until disconnected or retargeted.
type Controller struct {
	config     Config
	factory    Factory
	logger     *slog.Logger
	metrics    *controllerMetrics
	metricsReg *metric.Registry

	events  chan event.Raw
	changes chan StatusChange
	errs    chan error

	mu     sync.Mutex
	legs   map[string]*leg
	closed bool

	shutdownOnce sync.Once
}

// leg tracks one live connection loop.
type leg struct {
	target string
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics export for leg activity.
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Controller) {
		c.metricsReg = registry
	}
}

// New creates a Controller. The factory must not be nil.
func New(config Config, factory Factory, opts ...Option) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "reconnect", "New", "check factory")
	}
	c := &Controller{
		config:  config,
		factory: factory,
		logger:  slog.Default(),
		events:  make(chan event.Raw, 256),
		changes: make(chan StatusChange, 16),
		errs:    make(chan error, 32),
		legs:    make(map[string]*leg),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metricsReg != nil {
		m, err := newControllerMetrics(c.metricsReg)
		if err != nil {
			return nil, errors.WrapTransient(err, "reconnect", "New", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Events returns the merged raw event stream across all legs. Closed by
// Close.
func (c *Controller) Events() <-chan event.Raw { return c.events }

// StatusChanges returns per-leg connectivity transitions.
func (c *Controller) StatusChanges() <-chan StatusChange { return c.changes }

// Errors returns dial and delivery diagnostics.
func (c *Controller) Errors() <-chan error { return c.errs }

// ConnectSession starts (or retargets) the session leg. Connecting to the
// session already being served is a no-op. The leg lives until ctx ends,
// the target changes, or DisconnectAll.
func (c *Controller) ConnectSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.WrapInvalid(errors.ErrMissingField, "reconnect", "ConnectSession", "check session id")
	}
	dial := func(dialCtx context.Context) (transport.Transport, error) {
		tr, err := c.factory.Session(sessionID)
		if err != nil {
			return nil, err
		}
		if err := tr.Open(dialCtx); err != nil {
			tr.Close()
			return nil, err
		}
		return tr, nil
	}
	return c.connect(ctx, LegSession, sessionID, dial)
}

// ConnectUser starts (or retargets) the user leg. The credential is fetched
// through creds on every dial attempt.
func (c *Controller) ConnectUser(ctx context.Context, creds CredentialSource) error {
	if creds == nil {
		return errors.WrapInvalid(errors.ErrMissingField, "reconnect", "ConnectUser", "check credential source")
	}
	dial := func(dialCtx context.Context) (transport.Transport, error) {
		token, err := creds.Token(dialCtx)
		if err != nil {
			return nil, errors.WrapTransient(err, "reconnect", "ConnectUser", "fetch credential")
		}
		tr, err := c.factory.User(token)
		if err != nil {
			return nil, err
		}
		if err := tr.Open(dialCtx); err != nil {
			tr.Close()
			return nil, err
		}
		return tr, nil
	}
	return c.connect(ctx, LegUser, creds.Identity(), dial)
}

// DisconnectUser tears the user leg down and abandons its pending retry.
func (c *Controller) DisconnectUser() {
	c.mu.Lock()
	l := c.legs[LegUser]
	delete(c.legs, LegUser)
	c.mu.Unlock()
	stopLeg(l)
}

// DisconnectAll tears both legs down.
func (c *Controller) DisconnectAll() {
	c.mu.Lock()
	stopped := make([]*leg, 0, len(c.legs))
	for name, l := range c.legs {
		stopped = append(stopped, l)
		delete(c.legs, name)
	}
	c.mu.Unlock()
	for _, l := range stopped {
		stopLeg(l)
	}
}

// Close disconnects everything and closes the merged channels.
func (c *Controller) Close() error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.DisconnectAll()
		close(c.events)
		close(c.changes)
	})
	return nil
}

func stopLeg(l *leg) {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// connect installs a new leg, tearing down a differently-targeted
// predecessor first.
func (c *Controller) connect(ctx context.Context, name, target string, dial dialFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "reconnect", "connect", "install leg")
	}
	if existing, ok := c.legs[name]; ok {
		if existing.target == target {
			c.mu.Unlock()
			return nil
		}
		delete(c.legs, name)
		c.mu.Unlock()
		stopLeg(existing)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return errors.WrapFatal(errors.ErrShuttingDown, "reconnect", "connect", "install leg")
		}
	}

	legCtx, cancel := context.WithCancel(ctx)
	l := &leg{target: target, cancel: cancel, done: make(chan struct{})}
	c.legs[name] = l
	c.mu.Unlock()

	go c.run(legCtx, name, target, dial, l.done)
	return nil
}

type dialFunc func(ctx context.Context) (transport.Transport, error)

// run is the per-leg connection loop: dial, pump until the stream dies,
// back off, redial. A fatal dial error (rejected credential) or an
// exhausted attempt budget ends the loop.
func (c *Controller) run(ctx context.Context, name, target string, dial dialFunc, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		dialCtx, cancelDial := context.WithTimeout(ctx, c.config.DialTimeout)
		tr, err := dial(dialCtx)
		cancelDial()

		if err != nil {
			c.emitError(err)
			if errors.IsFatal(err) {
				c.logger.Error("connection attempt failed permanently",
					"leg", name, "target", target, "error", err)
				return
			}
			max := c.config.Backoff.MaxAttempts
			if max > 0 && attempt+1 >= max {
				c.logger.Error("connection attempts exhausted",
					"leg", name, "target", target, "attempts", max)
				return
			}
			delay := c.config.Backoff.Delay(attempt)
			attempt++
			if c.metrics != nil {
				c.metrics.dialFailures.WithLabelValues(name).Inc()
			}
			c.logger.Warn("connection attempt failed",
				"leg", name, "target", target, "attempt", attempt, "retry_in", delay, "error", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		if c.metrics != nil {
			c.metrics.connectedLegs.WithLabelValues(name).Set(1)
		}
		c.emitChange(StatusChange{Leg: name, Connected: true})
		c.logger.Info("connected", "leg", name, "target", target, "transport", tr.Name())

		c.pump(ctx, tr)
		tr.Close()

		if c.metrics != nil {
			c.metrics.connectedLegs.WithLabelValues(name).Set(0)
		}
		c.emitChange(StatusChange{Leg: name, Connected: false})

		if ctx.Err() != nil {
			return
		}
		delay := c.config.Backoff.Delay(attempt)
		attempt++
		c.logger.Warn("connection dropped",
			"leg", name, "target", target, "retry_in", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// pump forwards one transport's deliveries into the merged channels until
// its event stream closes or the leg is torn down.
func (c *Controller) pump(ctx context.Context, tr transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tr.Events():
			if !ok {
				return
			}
			select {
			case c.events <- raw:
			case <-ctx.Done():
				return
			}
		case err := <-tr.Errors():
			c.emitError(err)
		case <-tr.Status():
			// The controller emits its own transitions; the
			// transport's are redundant here.
		}
	}
}

func (c *Controller) emitChange(change StatusChange) {
	select {
	case c.changes <- change:
	default:
	}
}

func (c *Controller) emitError(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// sleep waits for the delay, returning false when the context ended first.
func sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
