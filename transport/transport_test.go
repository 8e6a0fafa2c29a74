package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
)

func collectEvents(t *testing.T, tr Transport, want int) []event.Raw {
	t.Helper()
	var got []event.Raw
	timeout := time.After(5 * time.Second)
	for len(got) < want {
		select {
		case raw, ok := <-tr.Events():
			if !ok {
				return got
			}
			got = append(got, raw)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", want, len(got))
		}
	}
	return got
}

func waitClosed(t *testing.T, tr Transport) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-tr.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for event channel close")
		}
	}
}

func TestPublicPush_StreamsEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream/sess-1", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		w.Write([]byte(": keep-alive\n\n"))
		w.Write([]byte(`data: {"payload":{"session_id":"sess-1","event_type":"message_complete","event_id":"ev-1","timestamp":1749990600000}}` + "\n\n"))
		w.Write([]byte(`data: {"session_id":"sess-1","event_type":"tool_call","event_id":"ev-2"}` + "\n\n"))
		w.Write([]byte("data: {not json\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	tr, err := NewPublicPush(PublicPushConfig{BaseURL: server.URL, SessionID: "sess-1"})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Open(context.Background()))

	select {
	case connected := <-tr.Status():
		assert.True(t, connected)
	case <-time.After(time.Second):
		t.Fatal("no connected status")
	}

	got := collectEvents(t, tr, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "ev-1", got[0].EventID)
	assert.Equal(t, int64(1749990600000), got[0].Timestamp)
	assert.Equal(t, "tool_call", got[1].EventType)

	select {
	case err := <-tr.Errors():
		assert.True(t, pkgerrors.IsInvalid(err))
	case <-time.After(time.Second):
		t.Fatal("malformed frame was not surfaced")
	}

	waitClosed(t, tr)
}

func TestPublicPush_RejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr, err := NewPublicPush(PublicPushConfig{BaseURL: server.URL, SessionID: "sess-1"})
	require.NoError(t, err)

	err = tr.Open(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTransient(err))
}

func TestPublicPush_ConfigValidation(t *testing.T) {
	_, err := NewPublicPush(PublicPushConfig{SessionID: "sess-1"})
	assert.Error(t, err)

	_, err = NewPublicPush(PublicPushConfig{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestPublicPush_CloseBeforeOpen(t *testing.T) {
	tr, err := NewPublicPush(PublicPushConfig{BaseURL: "http://localhost:1", SessionID: "s"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, ok := <-tr.Events()
	assert.False(t, ok)
}

func TestAuthenticatedPush_Websocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws/user", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"session_id":"sess-2","event_type":"message_delta","event_id":"ev-3","data":{"content":"hi"}}`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer server.Close()

	tr, err := NewAuthenticatedPush(AuthenticatedPushConfig{BaseURL: server.URL, Token: "token-1"})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Open(context.Background()))
	assert.Equal(t, "websocket", tr.Mode())

	got := collectEvents(t, tr, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-3", got[0].EventID)
	assert.Equal(t, "message_delta", got[0].EventType)

	waitClosed(t, tr)
}

func TestAuthenticatedPush_FallsBackToStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/user", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/stream/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"session_id":"sess-3","event_type":"tool_result","event_id":"ev-4"}` + "\n\n"))
		w.(http.Flusher).Flush()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr, err := NewAuthenticatedPush(AuthenticatedPushConfig{BaseURL: server.URL, Token: "token-2"})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Open(context.Background()))
	assert.Equal(t, "stream", tr.Mode())

	select {
	case err := <-tr.Errors():
		assert.True(t, errors.Is(err, pkgerrors.ErrPushUnsupported))
	case <-time.After(time.Second):
		t.Fatal("fallback reason was not surfaced")
	}

	got := collectEvents(t, tr, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-4", got[0].EventID)

	waitClosed(t, tr)
}

func TestAuthenticatedPush_RejectedCredentialIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tr, err := NewAuthenticatedPush(AuthenticatedPushConfig{BaseURL: server.URL, Token: "bad"})
	require.NoError(t, err)

	err = tr.Open(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsFatal(err))
}

func TestAuthenticatedPush_RequiresToken(t *testing.T) {
	_, err := NewAuthenticatedPush(AuthenticatedPushConfig{BaseURL: "http://localhost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrNoCredentials))
}

func TestRelayBridge_Defaults(t *testing.T) {
	config := RelayBridgeConfig{}
	require.NoError(t, config.Validate())
	assert.Equal(t, "user_sse", config.Subject)
	assert.Equal(t, "nats://127.0.0.1:4222", config.URL)
	assert.Equal(t, 5*time.Second, config.ConnectTimeout)
}

func TestRelayBridge_CloseBeforeOpen(t *testing.T) {
	tr, err := NewRelayBridge(RelayBridgeConfig{})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, ok := <-tr.Events()
	assert.False(t, ok)
}

func TestReadStream_AccumulatesMultilineData(t *testing.T) {
	b := newBase("test")
	body := strings.NewReader(
		"data: {\"session_id\":\"s\",\n" +
			"data: \"event_type\":\"message_complete\",\"event_id\":\"e\"}\n" +
			"\n")
	go func() {
		b.readStream(context.Background(), body, "test")
		b.finish()
	}()

	select {
	case raw := <-b.events:
		assert.Equal(t, "message_complete", raw.EventType)
	case <-time.After(time.Second):
		t.Fatal("multiline frame was not assembled")
	}
}

func TestReadStream_FlushesUnterminatedFrame(t *testing.T) {
	b := newBase("test")
	body := strings.NewReader(`data: {"session_id":"s","event_type":"tool_call","event_id":"e"}`)
	go func() {
		b.readStream(context.Background(), body, "test")
		b.finish()
	}()

	select {
	case raw := <-b.events:
		assert.Equal(t, "tool_call", raw.EventType)
	case <-time.After(time.Second):
		t.Fatal("trailing frame was not flushed")
	}
}
