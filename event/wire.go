package event

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/pkg/timestamp"
)

// wireEvent mirrors the server's message body. The timestamp is kept raw
// because servers deliver it as RFC3339 strings, integer seconds, or integer
// milliseconds depending on the endpoint generation.
type wireEvent struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
}

// wireFrame accepts both supported wire shapes: the current
// {"payload": {...}} envelope and the flat legacy body. When Payload is
// present the embedded flat fields are ignored.
type wireFrame struct {
	Payload *wireEvent `json:"payload,omitempty"`
	wireEvent
}

// ParseWire converts one wire message body into a Raw event. It tolerates
// both the envelope-wrapped and flat legacy shapes, stamps arrival time when
// the wire omits a usable timestamp, and assigns an event id when the wire
// omits one. A missing session_id or event_type makes the message invalid.
func ParseWire(data []byte) (Raw, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Raw{}, errors.WrapInvalid(err, "event", "ParseWire", "unmarshal wire message")
	}

	we := frame.wireEvent
	if frame.Payload != nil {
		we = *frame.Payload
	}

	if we.SessionID == "" {
		return Raw{}, errors.WrapInvalid(errors.ErrMissingField, "event", "ParseWire", "extract session_id")
	}
	if we.EventType == "" {
		return Raw{}, errors.WrapInvalid(errors.ErrMissingField, "event", "ParseWire", "extract event_type")
	}

	ts := timestamp.Parse(we.Timestamp)
	if ts == 0 {
		ts = timestamp.Now()
	}

	eventID := we.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	return Raw{
		SessionID: we.SessionID,
		EventType: we.EventType,
		Timestamp: ts,
		EventID:   eventID,
		MessageID: we.MessageID,
		Payload:   we.Data,
	}, nil
}
