package reconnect

import (
	"net/http"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/transport"
)

// EndpointFactory builds transports against the configured endpoints:
// PublicPush for the session leg, AuthenticatedPush for the user leg, or
// RelayBridge when running behind the local relay host.
type EndpointFactory struct {
	// StreamBaseURL serves the unauthenticated session streams.
	StreamBaseURL string

	// PushBaseURL serves the authenticated user push endpoint. Defaults
	// to StreamBaseURL.
	PushBaseURL string

	// UseRelay routes the user leg through the local relay bridge
	// instead of the authenticated push endpoint.
	UseRelay bool

	// Relay configures the bridge when UseRelay is set.
	Relay transport.RelayBridgeConfig

	// Client is shared by the HTTP-based transports.
	Client *http.Client
}

// Validate checks the factory configuration.
func (f *EndpointFactory) Validate() error {
	if f.StreamBaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "reconnect", "EndpointFactory.Validate", "check stream base URL")
	}
	if f.PushBaseURL == "" {
		f.PushBaseURL = f.StreamBaseURL
	}
	return nil
}

// Session builds a public push transport for one session.
func (f *EndpointFactory) Session(sessionID string) (transport.Transport, error) {
	return transport.NewPublicPush(transport.PublicPushConfig{
		BaseURL:   f.StreamBaseURL,
		SessionID: sessionID,
		Client:    f.Client,
	})
}

// User builds the user-leg transport. The token is ignored on the relay
// path because the relay host holds the credential.
func (f *EndpointFactory) User(token string) (transport.Transport, error) {
	if f.UseRelay {
		return transport.NewRelayBridge(f.Relay)
	}
	return transport.NewAuthenticatedPush(transport.AuthenticatedPushConfig{
		BaseURL: f.PushBaseURL,
		Token:   token,
		Client:  f.Client,
	})
}
