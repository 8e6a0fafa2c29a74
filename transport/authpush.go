package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	pkgerrors "github.com/c360/sessionsync/errors"
)

// AuthenticatedPushConfig configures the user-scoped authenticated stream.
type AuthenticatedPushConfig struct {
	// BaseURL is the push endpoint root, e.g. "https://api.example.com".
	BaseURL string

	// Token is the bearer credential attached to the connection.
	Token string

	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration

	// PingInterval is the client keep-alive ping cadence on the websocket
	// path. Zero means 30s.
	PingInterval time.Duration

	// Client is the HTTP client used for the streaming fallback.
	Client *http.Client
}

// Validate checks the configuration.
func (c AuthenticatedPushConfig) Validate() error {
	if c.BaseURL == "" {
		return pkgerrors.WrapInvalid(pkgerrors.ErrMissingField, "transport", "AuthenticatedPushConfig.Validate", "check base URL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return pkgerrors.WrapInvalid(err, "transport", "AuthenticatedPushConfig.Validate", "parse base URL")
	}
	if c.Token == "" {
		return pkgerrors.WrapFatal(pkgerrors.ErrNoCredentials, "transport", "AuthenticatedPushConfig.Validate", "check credential")
	}
	return nil
}

// AuthenticatedPush streams all of a user's sessions over an authenticated
// connection. It prefers the websocket push primitive and falls back to a
// credentialed long-lived streaming request when the endpoint rejects the
// upgrade, so the consumer sees one stream either way.
type AuthenticatedPush struct {
	base
	config AuthenticatedPushConfig
	client *http.Client

	// mode records which path actually connected, for diagnostics.
	mode string
}

// NewAuthenticatedPush creates an unopened authenticated push transport.
func NewAuthenticatedPush(config AuthenticatedPushConfig) (*AuthenticatedPush, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &AuthenticatedPush{
		base:   newBase("auth_push"),
		config: config,
		client: client,
	}, nil
}

// Mode reports which underlying path connected: "websocket" or "stream".
// Empty before a successful Open.
func (a *AuthenticatedPush) Mode() string { return a.mode }

// Open connects, trying the websocket path first. A handshake rejection
// means the endpoint does not support the push primitive and triggers the
// streaming fallback; network-level failures do not, since the fallback
// would fail the same way.
func (a *AuthenticatedPush) Open(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	stopBridge := context.AfterFunc(ctx, cancel)
	defer stopBridge()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.config.Token)

	conn, err := a.dialSocket(loopCtx, header)
	if err == nil {
		a.mode = "websocket"
		a.emitStatus(true)
		a.running.Store(true)
		go a.socketLoop(loopCtx, conn)
		return nil
	}
	if !errors.Is(err, pkgerrors.ErrPushUnsupported) {
		cancel()
		return err
	}
	a.emitError(err)

	resp, err := a.openStream(loopCtx, header)
	if err != nil {
		cancel()
		return err
	}
	a.mode = "stream"
	a.emitStatus(true)
	a.running.Store(true)
	go func() {
		defer a.finish()
		defer resp.Body.Close()
		a.readStream(loopCtx, resp.Body, "auth_push")
	}()
	return nil
}

// Close tears the connection down.
func (a *AuthenticatedPush) Close() error {
	a.stopLoop()
	return nil
}

// dialSocket attempts the websocket upgrade against /ws/user.
func (a *AuthenticatedPush) dialSocket(ctx context.Context, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: a.config.HandshakeTimeout}

	endpoint := socketURL(a.config.BaseURL) + "/ws/user"
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if upgradeRefused(resp.StatusCode) {
				return nil, pkgerrors.WrapTransient(
					fmt.Errorf("%w: endpoint returned %d", pkgerrors.ErrPushUnsupported, resp.StatusCode),
					"transport", "AuthenticatedPush.dialSocket", "upgrade connection")
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, pkgerrors.WrapFatal(
					fmt.Errorf("credential rejected with status %d", resp.StatusCode),
					"transport", "AuthenticatedPush.dialSocket", "authenticate connection")
			}
		}
		return nil, pkgerrors.WrapTransient(err, "transport", "AuthenticatedPush.dialSocket", "dial websocket")
	}
	return conn, nil
}

// upgradeRefused reports whether the handshake response indicates the
// endpoint simply has no websocket support, as opposed to a transient or
// credential failure.
func upgradeRefused(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusUpgradeRequired:
		return true
	}
	return false
}

// openStream issues the credentialed streaming fallback request.
func (a *AuthenticatedPush) openStream(ctx context.Context, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/stream/user", nil)
	if err != nil {
		return nil, pkgerrors.WrapInvalid(err, "transport", "AuthenticatedPush.openStream", "build stream request")
	}
	req.Header = header.Clone()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, pkgerrors.WrapTransient(err, "transport", "AuthenticatedPush.openStream", "connect stream")
	}
	if resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		resp.Body.Close()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, pkgerrors.WrapFatal(
				fmt.Errorf("credential rejected with status %d", status),
				"transport", "AuthenticatedPush.openStream", "authenticate stream")
		}
		return nil, pkgerrors.WrapTransient(
			fmt.Errorf("unexpected status %d", status),
			"transport", "AuthenticatedPush.openStream", "connect stream")
	}
	return resp, nil
}

// socketLoop reads framed messages until the connection ends, keeping the
// connection alive with periodic pings.
func (a *AuthenticatedPush) socketLoop(ctx context.Context, conn *websocket.Conn) {
	defer a.finish()
	defer conn.Close()

	// ReadMessage does not observe contexts, so cancellation closes the
	// connection out from under it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	go a.pingLoop(ctx, conn)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.emitError(pkgerrors.WrapTransient(err, "transport", "AuthenticatedPush.socketLoop", "read message"))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		a.parseAndEmit(ctx, payload, "auth_push")
	}
}

// pingLoop sends keep-alive pings until the connection ends.
func (a *AuthenticatedPush) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// socketURL converts an http(s) base URL to its ws(s) equivalent.
func socketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
