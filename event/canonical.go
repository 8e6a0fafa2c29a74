package event

import (
	"encoding/json"

	"github.com/c360/sessionsync/pkg/timestamp"
)

// Canonical is the store-resident event shape. Exactly one Canonical exists
// per ID in the store; re-adding an ID overwrites content in place.
type Canonical struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt int64  `json:"created_at"` // Unix milliseconds
	UpdatedAt int64  `json:"updated_at"` // Unix milliseconds
	Partial   bool   `json:"partial"`
	Source    string `json:"source,omitempty"`
}

// payloadBody covers the structured payload shape used by message-bearing
// events. Content is kept raw: it is a plain string for text messages and a
// JSON object for tool calls and other structured turns.
type payloadBody struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Partial *bool           `json:"partial,omitempty"`
	Final   *bool           `json:"final,omitempty"`
}

// streamingKinds are event types whose payloads append over time. They enter
// the store partial and are finalized by a later delivery or by the
// watchdog.
var streamingKinds = map[string]bool{
	"message_delta":     true,
	"assistant_delta":   true,
	"tool_output_delta": true,
}

// finalKinds are event types that always represent a completed turn.
var finalKinds = map[string]bool{
	"message_complete": true,
	"assistant_done":   true,
	"tool_result":      true,
}

// Normalize converts a transport-normalized Raw event into its store-resident
// Canonical shape.
//
// Identity: streaming deltas for one logical message share a message_id, so
// the canonical ID prefers MessageID over EventID. Successive deltas then
// collapse into one resident event via the store's upsert.
//
// Payload handling tolerates the structured {"role","content"} body, a bare
// JSON string, and arbitrary JSON (kept verbatim as content).
func Normalize(raw Raw, source string) Canonical {
	ce := Canonical{
		ID:        raw.MessageID,
		SessionID: raw.SessionID,
		Kind:      raw.EventType,
		CreatedAt: raw.Timestamp,
		UpdatedAt: timestamp.Now(),
		Source:    source,
	}
	if ce.ID == "" {
		ce.ID = raw.EventID
	}

	ce.Partial = streamingKinds[raw.EventType]

	if len(raw.Payload) > 0 {
		var body payloadBody
		if err := json.Unmarshal(raw.Payload, &body); err == nil && (body.Role != "" || len(body.Content) > 0) {
			ce.Role = body.Role
			ce.Content = contentString(body.Content)
			if body.Partial != nil {
				ce.Partial = *body.Partial
			}
			if body.Final != nil && *body.Final {
				ce.Partial = false
			}
		} else {
			ce.Content = contentString(raw.Payload)
		}
	}

	if finalKinds[raw.EventType] {
		ce.Partial = false
	}

	return ce
}

// contentString renders payload content as a string: JSON strings are
// unquoted, everything else is kept as its verbatim JSON text.
func contentString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
