// Package transport normalizes physical server-push connections into one
// canonical raw-event stream plus a connected/disconnected status signal.
//
// Three variants exist, selected once at connection-setup time:
//
//   - PublicPush: unauthenticated, session-scoped streaming connection
//   - AuthenticatedPush: user-scoped connection carrying a bearer
//     credential; prefers the websocket push primitive and falls back to a
//     credentialed long-lived streaming request when the endpoint does not
//     support it
//   - RelayBridge: in-process delivery over a named local NATS subject,
//     used when the application runs inside a companion desktop host
//
// Every variant flattens both the envelope-wrapped and flat legacy wire
// shapes into event.Raw. A malformed message is counted and surfaced on
// Errors(), never propagated as stream termination.
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/sessionsync/event"
)

// Transport wraps exactly one physical push connection.
//
// Open establishes the connection synchronously; delivery then proceeds on
// Events() until the connection ends, at which point Events() is closed and
// a final disconnected status is emitted. A transport is single-shot:
// reconnection is the reconnect controller's job, with a fresh instance.
type Transport interface {
	// Name identifies the variant for diagnostics ("public_push",
	// "auth_push", "relay_bridge").
	Name() string

	// Open establishes the connection. It returns an error if the
	// connection cannot be established; delivery failures after a
	// successful open surface as a closed Events channel instead.
	Open(ctx context.Context) error

	// Events delivers the transport-normalized raw events. Closed when
	// the connection ends.
	Events() <-chan event.Raw

	// Status delivers connected/disconnected transitions.
	Status() <-chan bool

	// Errors delivers parse and read failures as diagnostics.
	Errors() <-chan error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Channel sizing: events carry backpressure (the pipeline must see every
// delivery), status and errors are advisory and drop when nobody listens.
const (
	eventBufferSize  = 256
	statusBufferSize = 8
	errorBufferSize  = 32
)

// base carries the channel plumbing shared by all transport variants.
// The owning variant's read loop is the only writer to events and must
// call finish exactly once when it exits.
type base struct {
	name   string
	events chan event.Raw
	status chan bool
	errs   chan error

	cancel     context.CancelFunc
	cancelOnce sync.Once
	finishOnce sync.Once
	running    atomic.Bool
}

func newBase(name string) base {
	return base{
		name:   name,
		events: make(chan event.Raw, eventBufferSize),
		status: make(chan bool, statusBufferSize),
		errs:   make(chan error, errorBufferSize),
	}
}

// Name returns the variant name.
func (b *base) Name() string { return b.name }

// Events returns the raw event channel.
func (b *base) Events() <-chan event.Raw { return b.events }

// Status returns the status transition channel.
func (b *base) Status() <-chan bool { return b.status }

// Errors returns the diagnostics channel.
func (b *base) Errors() <-chan error { return b.errs }

// emitEvent delivers a raw event, honoring loop cancellation.
func (b *base) emitEvent(ctx context.Context, raw event.Raw) bool {
	select {
	case b.events <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitStatus reports a status transition without blocking.
func (b *base) emitStatus(connected bool) {
	select {
	case b.status <- connected:
	default:
	}
}

// emitError reports a diagnostic without blocking.
func (b *base) emitError(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

// finish emits the final disconnected status and closes the event channel.
// Called by the read loop on exit; safe if Close raced it.
func (b *base) finish() {
	b.finishOnce.Do(func() {
		b.emitStatus(false)
		close(b.events)
	})
}

// stopLoop cancels the read loop context, if Open ever ran. When no read
// loop was launched there is no writer to race, so the channels close here.
func (b *base) stopLoop() {
	b.cancelOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if !b.running.Load() {
			b.finish()
		}
	})
}
