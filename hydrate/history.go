package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/pkg/retry"
)

// HTTPHistory fetches session backfills from the history service over
// HTTP. The endpoint returns a JSON array of wire-shaped events; elements
// that fail to parse are skipped, matching the transport parse tolerance.
type HTTPHistory struct {
	// BaseURL is the history service root.
	BaseURL string

	// Token is an optional bearer credential.
	Token string

	// Client is the HTTP client. Nil gets a 30s-timeout default.
	Client *http.Client

	// Retry paces transient fetch retries. NewHTTPHistory sets 3
	// attempts starting at 500ms; the zero value tries once.
	Retry retry.Config
}

// NewHTTPHistory creates a backfill client for the given service root.
func NewHTTPHistory(baseURL, token string) (*HTTPHistory, error) {
	if baseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "hydrate", "NewHTTPHistory", "check base URL")
	}
	return &HTTPHistory{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}, nil
}

// Fetch implements History.
func (h *HTTPHistory) Fetch(ctx context.Context, sessionID string) ([]event.Raw, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s/events", h.BaseURL, url.PathEscape(sessionID))

	var body []byte
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.NonRetryable(errors.WrapInvalid(err, "hydrate", "Fetch", "build request"))
		}
		req.Header.Set("Accept", "application/json")
		if h.Token != "" {
			req.Header.Set("Authorization", "Bearer "+h.Token)
		}

		client := h.Client
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.WrapTransient(err, "hydrate", "Fetch", "request history")
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			body = []byte("[]")
			return nil
		case resp.StatusCode >= 500:
			return errors.WrapTransient(
				fmt.Errorf("%w: status %d", errors.ErrBackfillFailed, resp.StatusCode),
				"hydrate", "Fetch", "request history")
		default:
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: status %d", errors.ErrBackfillFailed, resp.StatusCode),
				"hydrate", "Fetch", "request history"))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return errors.WrapTransient(err, "hydrate", "Fetch", "read history body")
		}
		return nil
	}

	if err := retry.Do(ctx, h.Retry, fetch); err != nil {
		return nil, err
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, errors.WrapInvalid(err, "hydrate", "Fetch", "parse history body")
	}

	out := make([]event.Raw, 0, len(elements))
	for _, element := range elements {
		raw, err := event.ParseWire(element)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}
