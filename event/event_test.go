package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/pkg/timestamp"
)

func TestParseWire_Envelope(t *testing.T) {
	body := []byte(`{
		"payload": {
			"session_id": "sess-1",
			"event_type": "message_complete",
			"timestamp": "2025-06-15T12:30:00Z",
			"event_id": "e1",
			"message_id": "m1",
			"data": {"role": "assistant", "content": "hello"}
		}
	}`)

	raw, err := ParseWire(body)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", raw.SessionID)
	assert.Equal(t, "message_complete", raw.EventType)
	assert.Equal(t, "e1", raw.EventID)
	assert.Equal(t, "m1", raw.MessageID)
	assert.Equal(t, timestamp.ParseString("2025-06-15T12:30:00Z"), raw.Timestamp)
	assert.JSONEq(t, `{"role": "assistant", "content": "hello"}`, string(raw.Payload))
}

func TestParseWire_FlatLegacy(t *testing.T) {
	body := []byte(`{
		"session_id": "sess-2",
		"event_type": "tool_result",
		"event_id": "e2",
		"data": "done"
	}`)

	raw, err := ParseWire(body)
	require.NoError(t, err)

	assert.Equal(t, "sess-2", raw.SessionID)
	assert.Equal(t, "tool_result", raw.EventType)
	assert.Equal(t, "e2", raw.EventID)
}

func TestParseWire_StampsArrivalTime(t *testing.T) {
	before := time.Now().UnixMilli()
	raw, err := ParseWire([]byte(`{"session_id": "s", "event_type": "ping"}`))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, raw.Timestamp, before)
	assert.LessOrEqual(t, raw.Timestamp, time.Now().UnixMilli())
}

func TestParseWire_AssignsEventID(t *testing.T) {
	raw, err := ParseWire([]byte(`{"session_id": "s", "event_type": "ping"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, raw.EventID)

	raw2, err := ParseWire([]byte(`{"session_id": "s", "event_type": "ping"}`))
	require.NoError(t, err)
	assert.NotEqual(t, raw.EventID, raw2.EventID)
}

func TestParseWire_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing session_id", `{"event_type": "ping"}`},
		{"missing event_type", `{"session_id": "s"}`},
		{"empty envelope", `{"payload": {}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWire([]byte(tt.body))
			assert.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	raw := Raw{
		SessionID: "s",
		EventType: "message_complete",
		Timestamp: 1749990600000,
		EventID:   "e1",
		Payload:   json.RawMessage(`{"content":"x"}`),
	}

	assert.Equal(t, raw.Fingerprint(), raw.Fingerprint())
	assert.Len(t, raw.Fingerprint(), 64)
}

func TestFingerprint_SensitiveToEveryField(t *testing.T) {
	base := Raw{SessionID: "s", EventType: "t", Timestamp: 1, EventID: "e"}

	touched := base
	touched.Timestamp = 2
	assert.NotEqual(t, base.Fingerprint(), touched.Fingerprint(),
		"timestamp participates in the fingerprint")

	touched = base
	touched.EventID = "e2"
	assert.NotEqual(t, base.Fingerprint(), touched.Fingerprint())

	touched = base
	touched.Payload = json.RawMessage(`{}`)
	assert.NotEqual(t, base.Fingerprint(), touched.Fingerprint())
}

func TestNormalize_StructuredPayload(t *testing.T) {
	raw := Raw{
		SessionID: "s",
		EventType: "message_complete",
		Timestamp: 1749990600000,
		EventID:   "e1",
		MessageID: "m1",
		Payload:   json.RawMessage(`{"role": "assistant", "content": "hello"}`),
	}

	ce := Normalize(raw, "public_push")

	assert.Equal(t, "m1", ce.ID, "message_id wins as canonical identity")
	assert.Equal(t, "s", ce.SessionID)
	assert.Equal(t, "message_complete", ce.Kind)
	assert.Equal(t, "assistant", ce.Role)
	assert.Equal(t, "hello", ce.Content)
	assert.Equal(t, int64(1749990600000), ce.CreatedAt)
	assert.False(t, ce.Partial)
	assert.Equal(t, "public_push", ce.Source)
}

func TestNormalize_FallsBackToEventID(t *testing.T) {
	raw := Raw{SessionID: "s", EventType: "status", EventID: "e9"}
	assert.Equal(t, "e9", Normalize(raw, "relay").ID)
}

func TestNormalize_StreamingKindsArePartial(t *testing.T) {
	raw := Raw{
		SessionID: "s",
		EventType: "message_delta",
		EventID:   "e1",
		MessageID: "m1",
		Payload:   json.RawMessage(`{"role": "assistant", "content": "hel"}`),
	}

	assert.True(t, Normalize(raw, "t").Partial)
}

func TestNormalize_ExplicitPartialFlagWins(t *testing.T) {
	raw := Raw{
		SessionID: "s",
		EventType: "custom_kind",
		EventID:   "e1",
		Payload:   json.RawMessage(`{"role": "assistant", "content": "x", "partial": true}`),
	}
	assert.True(t, Normalize(raw, "t").Partial)

	raw.Payload = json.RawMessage(`{"role": "assistant", "content": "x", "partial": true, "final": true}`)
	assert.False(t, Normalize(raw, "t").Partial, "final overrides partial")
}

func TestNormalize_OpaquePayloadKeptVerbatim(t *testing.T) {
	raw := Raw{
		SessionID: "s",
		EventType: "tool_result",
		EventID:   "e1",
		Payload:   json.RawMessage(`{"exit_code": 0, "stdout": "ok"}`),
	}

	ce := Normalize(raw, "t")
	assert.JSONEq(t, `{"exit_code": 0, "stdout": "ok"}`, ce.Content)
	assert.Empty(t, ce.Role)
}

func TestNormalize_BareStringPayload(t *testing.T) {
	raw := Raw{SessionID: "s", EventType: "status", EventID: "e1", Payload: json.RawMessage(`"connected"`)}
	assert.Equal(t, "connected", Normalize(raw, "t").Content)
}

func TestFingerprint_IgnoresDeliverySource(t *testing.T) {
	raw := Raw{SessionID: "s", EventType: "tool_call", EventID: "e", Timestamp: 1}
	viaStream := raw
	viaStream.Source = "public_push"
	viaSocket := raw
	viaSocket.Source = "auth_push"

	assert.Equal(t, viaStream.Fingerprint(), viaSocket.Fingerprint())
}
