// Package timestamp provides standardized Unix timestamp handling utilities.
//
// Timestamps are stored as int64 milliseconds since the Unix epoch (UTC).
// Wire payloads deliver timestamps as RFC3339 strings, integer seconds, or
// integer milliseconds; Parse accepts all of them. A value of 0 means
// "not set" and callers stamp client-side time on arrival in that case.
package timestamp

import (
	"encoding/json"
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format converts Unix milliseconds to an RFC3339 string for display.
// Returns empty string if timestamp is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Age returns how long ago the timestamp was. Returns 0 for unset timestamps.
func Age(ms int64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}

// millisecondThreshold separates second-resolution from millisecond-resolution
// integer timestamps. Values above it are already milliseconds.
const millisecondThreshold = int64(1e12)

// Parse converts a raw wire timestamp to Unix milliseconds.
// Accepts:
//   - RFC3339 / RFC3339Nano strings
//   - integer seconds (values <= 1e12)
//   - integer or fractional milliseconds (values > 1e12)
//
// Returns 0 for anything unparseable so callers can stamp arrival time.
func Parse(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return parseString(str)
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return normalizeNumeric(int64(num))
	}

	return 0
}

// ParseString converts a string timestamp to Unix milliseconds.
// Returns 0 if the string is empty or unparseable.
func ParseString(s string) int64 {
	return parseString(s)
}

func parseString(s string) int64 {
	if s == "" {
		return 0
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}

	// Some legacy payloads carry numeric timestamps as strings
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeNumeric(n)
	}

	return 0
}

func normalizeNumeric(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n > millisecondThreshold {
		return n // already milliseconds
	}
	return n * 1000 // seconds
}
