package transport

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/sessionsync/errors"
)

// RelayBridgeConfig configures the local relay subscription.
type RelayBridgeConfig struct {
	// URL is the local broker address. Zero means nats.DefaultURL.
	URL string

	// Subject is the relay subject events arrive on. Zero means "user_sse".
	Subject string

	// ConnectTimeout bounds the broker dial. Zero means 5s.
	ConnectTimeout time.Duration

	// Conn supplies an existing broker connection. When set, URL is
	// ignored and the bridge does not close the connection on teardown.
	Conn *nats.Conn
}

// Validate checks the configuration and fills defaults.
func (c *RelayBridgeConfig) Validate() error {
	if c.URL == "" && c.Conn == nil {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "user_sse"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return nil
}

// RelayBridge receives events forwarded by a companion local process over a
// NATS subject. The relay host owns the upstream connection; this transport
// only mirrors its deliveries, so "connected" means subscribed to the
// subject, not upstream reachability.
type RelayBridge struct {
	base
	config   RelayBridgeConfig
	conn     *nats.Conn
	ownsConn bool
	sub      *nats.Subscription
}

// NewRelayBridge creates an unopened relay bridge.
func NewRelayBridge(config RelayBridgeConfig) (*RelayBridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RelayBridge{
		base:   newBase("relay_bridge"),
		config: config,
	}, nil
}

// Open connects to the local broker and subscribes to the relay subject.
func (r *RelayBridge) Open(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	conn := r.config.Conn
	if conn == nil {
		var err error
		conn, err = nats.Connect(r.config.URL,
			nats.Timeout(r.config.ConnectTimeout),
			nats.RetryOnFailedConnect(false),
		)
		if err != nil {
			cancel()
			return errors.WrapTransient(err, "transport", "RelayBridge.Open", "connect local broker")
		}
		r.ownsConn = true
	}
	r.conn = conn

	messages := make(chan *nats.Msg, eventBufferSize)
	sub, err := conn.ChanSubscribe(r.config.Subject, messages)
	if err != nil {
		if r.ownsConn {
			conn.Close()
		}
		cancel()
		return errors.WrapTransient(err, "transport", "RelayBridge.Open", "subscribe relay subject")
	}
	r.sub = sub

	r.emitStatus(true)
	r.running.Store(true)
	go r.pump(loopCtx, messages)
	return nil
}

// Close drops the subscription and, when the bridge dialed the broker
// itself, the connection.
func (r *RelayBridge) Close() error {
	r.stopLoop()
	return nil
}

// pump forwards relayed messages until teardown.
func (r *RelayBridge) pump(ctx context.Context, messages <-chan *nats.Msg) {
	defer r.finish()
	defer func() {
		if r.sub != nil {
			r.sub.Unsubscribe()
		}
		if r.ownsConn && r.conn != nil {
			r.conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.parseAndEmit(ctx, msg.Data, "relay_bridge")
		}
	}
}
