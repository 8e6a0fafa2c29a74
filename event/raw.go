package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Raw is the transport-normalized event shape. Every transport variant
// produces this shape on receipt of a wire message, whether the wire payload
// was envelope-wrapped or flat.
type Raw struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds, client-stamped when absent on the wire
	EventID   string          `json:"event_id"`
	MessageID string          `json:"message_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Source names the transport that delivered the event. Excluded from
	// serialization so the same wire event arriving over two transports
	// fingerprints identically.
	Source string `json:"-"`
}

// Fingerprint returns a deterministic SHA-256 hash of the fully serialized
// event, used as the dedup identity. The hash covers every field, including
// the client-assigned timestamp: two deliveries of the same wire event that
// were stamped at different arrival times hash differently.
func (r Raw) Fingerprint() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Raw contains only marshalable fields; this path is unreachable in
		// practice but must not panic the pipeline.
		data = []byte(r.SessionID + "|" + r.EventType + "|" + r.EventID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
