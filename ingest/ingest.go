// Package ingest implements the ordered ingestion pipeline: fingerprint,
// duplicate check, normalization, store write, then publication. The order
// is load-bearing: a duplicate must be dropped before any observable side
// effect, and a subscriber must never see an event the store has not
// admitted.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/sessionsync/dedup"
	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/journal"
	"github.com/c360/sessionsync/metric"
	"github.com/c360/sessionsync/reconnect"
	"github.com/c360/sessionsync/store"
)

// Source is the upstream the pipeline drains. The reconnect controller's
// merged stream satisfies it.
type Source interface {
	Events() <-chan event.Raw
	StatusChanges() <-chan reconnect.StatusChange
	Errors() <-chan error
}

// EventHandler receives every canonical event the store admitted.
type EventHandler func(event.Canonical)

// StatusHandler receives connection leg transitions.
type StatusHandler func(reconnect.StatusChange)

// ErrorHandler receives transport and processing diagnostics.
type ErrorHandler func(error)

// Pipeline is the single writer of the dedup cache and, together with the
// hydrator and watchdog, a writer of the store. All raw deliveries flow
// through Process in arrival order.
type Pipeline struct {
	cache      *dedup.Cache
	store      *store.Store
	journal    *journal.Ring
	logger     *slog.Logger
	metrics    *pipelineMetrics
	metricsReg *metric.Registry

	// Optional fan-out of admitted events to a local broker subject
	// per session.
	broker        *nats.Conn
	subjectPrefix string

	mu             sync.Mutex
	nextHandlerID  uint64
	eventHandlers  map[uint64]EventHandler
	statusHandlers map[uint64]StatusHandler
	errorHandlers  map[uint64]ErrorHandler
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBroadcast mirrors every admitted event to the broker on
// "<prefix><session_id>" for other local consumers.
func WithBroadcast(conn *nats.Conn, subjectPrefix string) Option {
	return func(p *Pipeline) {
		p.broker = conn
		if subjectPrefix == "" {
			subjectPrefix = "events."
		}
		p.subjectPrefix = subjectPrefix
	}
}

// WithMetrics enables Prometheus metrics export for pipeline activity.
func WithMetrics(registry *metric.Registry) Option {
	return func(p *Pipeline) {
		p.metricsReg = registry
	}
}

// New creates a Pipeline over the given store, fingerprint cache and
// journal. All three are required.
func New(st *store.Store, cache *dedup.Cache, ring *journal.Ring, opts ...Option) (*Pipeline, error) {
	if st == nil || cache == nil || ring == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "ingest", "New", "check dependencies")
	}
	p := &Pipeline{
		cache:          cache,
		store:          st,
		journal:        ring,
		logger:         slog.Default(),
		eventHandlers:  make(map[uint64]EventHandler),
		statusHandlers: make(map[uint64]StatusHandler),
		errorHandlers:  make(map[uint64]ErrorHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metricsReg != nil {
		m, err := newPipelineMetrics(p.metricsReg)
		if err != nil {
			return nil, errors.WrapTransient(err, "ingest", "New", "metrics registration")
		}
		p.metrics = m
	}
	return p, nil
}

// Subscribe registers a handler for admitted events. The returned function
// removes it; unsubscribing during delivery is safe and takes effect on the
// next event.
func (p *Pipeline) Subscribe(fn EventHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandlerID
	p.nextHandlerID++
	p.eventHandlers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.eventHandlers, id)
	}
}

// OnStatusChange registers a handler for connection transitions.
func (p *Pipeline) OnStatusChange(fn StatusHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandlerID
	p.nextHandlerID++
	p.statusHandlers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.statusHandlers, id)
	}
}

// OnError registers a handler for diagnostics.
func (p *Pipeline) OnError(fn ErrorHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandlerID
	p.nextHandlerID++
	p.errorHandlers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.errorHandlers, id)
	}
}

// Run drains the source until its event stream closes or ctx ends. One
// goroutine per Core calls Run, which is what keeps per-session delivery
// order equal to arrival order.
func (p *Pipeline) Run(ctx context.Context, source Source) error {
	events := source.Events()
	changes := source.StatusChanges()
	errs := source.Errors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			p.Process(raw)
		case change, ok := <-changes:
			// A closed side channel must not look like an endless stream
			// of zero-value transitions.
			if !ok {
				changes = nil
				continue
			}
			p.handleStatus(change)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.handleError(err)
		}
	}
}

// Process runs one raw delivery through the full pipeline. It reports
// whether the event was admitted (false means duplicate or rejected).
func (p *Pipeline) Process(raw event.Raw) bool {
	p.journal.Record(journal.Entry{
		Kind:      journal.KindRawIn,
		SessionID: raw.SessionID,
		EventID:   raw.EventID,
		Source:    raw.Source,
	})
	if p.metrics != nil {
		p.metrics.received.Inc()
	}

	if p.cache.Seen(raw.Fingerprint()) {
		p.journal.Record(journal.Entry{
			Kind:      journal.KindDupDrop,
			SessionID: raw.SessionID,
			EventID:   raw.EventID,
			Source:    raw.Source,
		})
		if p.metrics != nil {
			p.metrics.duplicates.Inc()
		}
		return false
	}

	ce := event.Normalize(raw, raw.Source)
	if err := p.store.Add(ce); err != nil {
		p.journal.Record(journal.Entry{
			Kind:      journal.KindParseError,
			SessionID: raw.SessionID,
			EventID:   raw.EventID,
			Source:    raw.Source,
			Detail:    err.Error(),
		})
		p.logger.Warn("event rejected by store",
			"session_id", raw.SessionID, "event_id", raw.EventID, "error", err)
		p.handleError(err)
		return false
	}

	p.journal.Record(journal.Entry{
		Kind:      journal.KindUnified,
		SessionID: ce.SessionID,
		EventID:   ce.ID,
		Source:    ce.Source,
	})
	if p.metrics != nil {
		p.metrics.admitted.Inc()
	}

	p.publish(ce)
	return true
}

// publish fans the admitted event out to subscribers, then mirrors it to
// the broker when broadcast is configured. The handler list is snapshotted
// so handlers may unsubscribe (or subscribe) during delivery.
func (p *Pipeline) publish(ce event.Canonical) {
	p.mu.Lock()
	handlers := make([]EventHandler, 0, len(p.eventHandlers))
	for _, fn := range p.eventHandlers {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(ce)
	}

	if p.broker == nil {
		return
	}
	data, err := json.Marshal(ce)
	if err != nil {
		p.logger.Warn("broadcast marshal failed", "event_id", ce.ID, "error", err)
		return
	}
	subject := p.subjectPrefix + ce.SessionID
	if err := p.broker.Publish(subject, data); err != nil {
		if p.metrics != nil {
			p.metrics.broadcastFailures.Inc()
		}
		p.logger.Warn("broadcast publish failed", "subject", subject, "error", err)
	}
}

func (p *Pipeline) handleStatus(change reconnect.StatusChange) {
	p.journal.Record(journal.Entry{
		Kind:   journal.KindStatusChange,
		Source: change.Leg,
		Detail: statusDetail(change.Connected),
	})

	p.mu.Lock()
	handlers := make([]StatusHandler, 0, len(p.statusHandlers))
	for _, fn := range p.statusHandlers {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(change)
	}
}

func (p *Pipeline) handleError(err error) {
	if p.metrics != nil {
		p.metrics.errors.Inc()
	}

	p.mu.Lock()
	handlers := make([]ErrorHandler, 0, len(p.errorHandlers))
	for _, fn := range p.errorHandlers {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	if len(handlers) == 0 {
		p.logger.Warn("stream diagnostic", "error", err)
		return
	}
	for _, fn := range handlers {
		fn(err)
	}
}

func statusDetail(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}
