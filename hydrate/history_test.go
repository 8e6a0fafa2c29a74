package hydrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionsync/pkg/retry"
)

func TestHTTPHistory_FetchParsesWireShapes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/sess-1/events", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"payload":{"session_id":"sess-1","event_type":"message_complete","event_id":"ev-1"}},
			{"session_id":"sess-1","event_type":"tool_call","event_id":"ev-2"},
			{"event_type":"missing_session"},
			"not an object"
		]`))
	}))
	defer server.Close()

	history, err := NewHTTPHistory(server.URL, "token-1")
	require.NoError(t, err)

	events, err := history.Fetch(context.Background(), "sess-1")
	require.NoError(t, err)

	require.Len(t, events, 2, "unparseable elements are skipped")
	assert.Equal(t, "ev-1", events[0].EventID)
	assert.Equal(t, "ev-2", events[1].EventID)
}

func TestHTTPHistory_NotFoundMeansEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	history, err := NewHTTPHistory(server.URL, "")
	require.NoError(t, err)

	events, err := history.Fetch(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHTTPHistory_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"session_id":"sess-1","event_type":"tool_call","event_id":"ev-1"}]`))
	}))
	defer server.Close()

	history, err := NewHTTPHistory(server.URL, "")
	require.NoError(t, err)
	history.Retry = retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	events, err := history.Fetch(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPHistory_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	history, err := NewHTTPHistory(server.URL, "")
	require.NoError(t, err)
	history.Retry.InitialDelay = time.Millisecond
	history.Retry.MaxDelay = 5 * time.Millisecond

	_, err = history.Fetch(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewHTTPHistory_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPHistory("", "")
	require.Error(t, err)
}
