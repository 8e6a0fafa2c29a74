package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/c360/sessionsync/errors"
)

// PublicPushConfig configures the unauthenticated session-scoped stream.
type PublicPushConfig struct {
	// BaseURL is the streaming endpoint root, e.g. "https://relay.example.com".
	BaseURL string

	// SessionID scopes the stream to one session.
	SessionID string

	// Client is the HTTP client used for the streaming request. A nil
	// client gets a default with no overall timeout, since the request
	// is long-lived by design.
	Client *http.Client
}

// Validate checks the configuration.
func (c PublicPushConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingField, "transport", "PublicPushConfig.Validate", "check base URL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.WrapInvalid(err, "transport", "PublicPushConfig.Validate", "parse base URL")
	}
	if c.SessionID == "" {
		return errors.WrapInvalid(errors.ErrMissingField, "transport", "PublicPushConfig.Validate", "check session id")
	}
	return nil
}

// PublicPush streams a single session's events over an unauthenticated
// server-sent-event connection.
type PublicPush struct {
	base
	config PublicPushConfig
	client *http.Client
}

// NewPublicPush creates an unopened public push transport.
func NewPublicPush(config PublicPushConfig) (*PublicPush, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &PublicPush{
		base:   newBase("public_push"),
		config: config,
		client: client,
	}, nil
}

// Open issues the streaming request and starts delivery. The request itself
// is bounded by a dial deadline; the response body lives until Close.
func (p *PublicPush) Open(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/stream/%s", p.config.BaseURL, url.PathEscape(p.config.SessionID))

	// The read loop must outlive the caller's dial context, but the dial
	// itself has to honor it. Bridge the two only until Do returns.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	stopBridge := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(loopCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		stopBridge()
		cancel()
		return errors.WrapInvalid(err, "transport", "PublicPush.Open", "build stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	stopBridge()
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "transport", "PublicPush.Open", "connect stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.WrapTransient(
			fmt.Errorf("unexpected status %d", resp.StatusCode),
			"transport", "PublicPush.Open", "connect stream")
	}

	p.emitStatus(true)
	p.running.Store(true)

	go func() {
		defer p.finish()
		defer resp.Body.Close()
		p.readStream(loopCtx, resp.Body, "public_push")
	}()

	return nil
}

// Close tears the stream down.
func (p *PublicPush) Close() error {
	p.stopLoop()
	return nil
}
