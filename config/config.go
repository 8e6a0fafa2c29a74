// Package config defines the complete application configuration and its
// JSON file format. Durations are written as Go duration strings ("30s",
// "1m30s"); environment references ("${VAR}") in the file are expanded
// before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/c360/sessionsync/dedup"
	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/hydrate"
	"github.com/c360/sessionsync/pkg/retry"
	"github.com/c360/sessionsync/reconnect"
	"github.com/c360/sessionsync/store"
	"github.com/c360/sessionsync/watchdog"
)

// maxConfigSize bounds the config file to keep a mistyped path from
// slurping something enormous.
const maxConfigSize = 1 << 20

// Duration is a time.Duration that marshals as a duration string and
// unmarshals from either a string or a nanosecond count.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EndpointsConfig names the upstream push endpoints.
type EndpointsConfig struct {
	// StreamBaseURL serves the unauthenticated session streams.
	StreamBaseURL string `json:"stream_base_url"`

	// PushBaseURL serves the authenticated user push endpoint. Empty
	// means same as StreamBaseURL.
	PushBaseURL string `json:"push_base_url,omitempty"`

	// HistoryBaseURL serves session backfills.
	HistoryBaseURL string `json:"history_base_url,omitempty"`
}

// RelayConfig routes the user leg through a local broker instead of the
// authenticated push endpoint.
type RelayConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// DedupConfig controls the content fingerprint cache.
type DedupConfig struct {
	Window          Duration `json:"window,omitempty"`
	MaxEntries      int      `json:"max_entries,omitempty"`
	CleanupInterval Duration `json:"cleanup_interval,omitempty"`
}

// StoreConfig controls the canonical event store.
type StoreConfig struct {
	MaxSessions int `json:"max_sessions,omitempty"`
}

// HydrateConfig controls session hydration.
type HydrateConfig struct {
	FreshnessTTL Duration `json:"freshness_ttl,omitempty"`
	FetchTimeout Duration `json:"fetch_timeout,omitempty"`
}

// WatchdogConfig controls the staleness watchdog.
type WatchdogConfig struct {
	Interval   Duration `json:"interval,omitempty"`
	StaleAfter Duration `json:"stale_after,omitempty"`
}

// ReconnectConfig controls redial pacing.
type ReconnectConfig struct {
	InitialDelay Duration `json:"initial_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	DialTimeout  Duration `json:"dial_timeout,omitempty"`
}

// JournalConfig controls the diagnostic ring.
type JournalConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

// BroadcastConfig mirrors admitted events to a local broker.
type BroadcastConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text, json
}

// Config is the complete application configuration.
type Config struct {
	Endpoints EndpointsConfig `json:"endpoints"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Hydrate   HydrateConfig   `json:"hydrate,omitempty"`
	Watchdog  WatchdogConfig  `json:"watchdog,omitempty"`
	Reconnect ReconnectConfig `json:"reconnect,omitempty"`
	Journal   JournalConfig   `json:"journal,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
}

// Default returns the standard configuration, valid except for the
// endpoint URLs which have no sensible default.
func Default() *Config {
	return &Config{
		Dedup: DedupConfig{
			Window:          Duration(30 * time.Second),
			MaxEntries:      4000,
			CleanupInterval: Duration(10 * time.Second),
		},
		Store: StoreConfig{MaxSessions: 20},
		Hydrate: HydrateConfig{
			FreshnessTTL: Duration(60 * time.Second),
			FetchTimeout: Duration(30 * time.Second),
		},
		Watchdog: WatchdogConfig{
			Interval:   Duration(10 * time.Second),
			StaleAfter: Duration(45 * time.Second),
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
			DialTimeout:  Duration(15 * time.Second),
		},
		Journal:   JournalConfig{Capacity: 1000},
		Broadcast: BroadcastConfig{SubjectPrefix: "events."},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads, expands and validates a configuration file. Fields absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "stat config file")
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("config file exceeds %d bytes", maxConfigSize),
			"config", "Load", "check file size")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
	}

	cfg := Default()
	if err := json.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Endpoints.StreamBaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "check endpoints.stream_base_url")
	}
	if c.Dedup.Window < 0 || c.Dedup.MaxEntries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "check dedup settings")
	}
	if c.Store.MaxSessions < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "check store.max_sessions")
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "check reconnect.multiplier")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "check log.level")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "check log.format")
	}
	return nil
}

// ToJSON renders the configuration for debugging.
func (c *Config) ToJSON() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DedupConfig converts to the fingerprint cache's own config type.
func (c *Config) DedupConfig() dedup.Config {
	return dedup.Config{
		Window:          c.Dedup.Window.Std(),
		MaxEntries:      c.Dedup.MaxEntries,
		CleanupInterval: c.Dedup.CleanupInterval.Std(),
	}
}

// StoreConfig converts to the store's own config type.
func (c *Config) StoreConfig() store.Config {
	return store.Config{MaxSessions: c.Store.MaxSessions}
}

// HydrateConfig converts to the hydrator's own config type.
func (c *Config) HydrateConfig() hydrate.Config {
	return hydrate.Config{
		FreshnessTTL: c.Hydrate.FreshnessTTL.Std(),
		FetchTimeout: c.Hydrate.FetchTimeout.Std(),
	}
}

// WatchdogConfig converts to the watchdog's own config type.
func (c *Config) WatchdogConfig() watchdog.Config {
	return watchdog.Config{
		Interval:   c.Watchdog.Interval.Std(),
		StaleAfter: c.Watchdog.StaleAfter.Std(),
	}
}

// ReconnectConfig converts to the controller's own config type.
func (c *Config) ReconnectConfig() reconnect.Config {
	return reconnect.Config{
		Backoff: retry.Config{
			MaxAttempts:  c.Reconnect.MaxAttempts,
			InitialDelay: c.Reconnect.InitialDelay.Std(),
			MaxDelay:     c.Reconnect.MaxDelay.Std(),
			Multiplier:   c.Reconnect.Multiplier,
			AddJitter:    true,
		},
		DialTimeout: c.Reconnect.DialTimeout.Std(),
	}
}
