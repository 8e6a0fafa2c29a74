package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSeen_FirstSightIsNew(t *testing.T) {
	c := newTestCache(t, DefaultConfig())

	assert.False(t, c.Seen("fp-1"))
	assert.True(t, c.Seen("fp-1"))
	assert.True(t, c.Seen("fp-1"))
	assert.Equal(t, uint64(2), c.Duplicates())
}

func TestSeen_DistinctKeysIndependent(t *testing.T) {
	c := newTestCache(t, DefaultConfig())

	assert.False(t, c.Seen("fp-1"))
	assert.False(t, c.Seen("fp-2"))
	assert.True(t, c.Seen("fp-1"))
	assert.True(t, c.Seen("fp-2"))
}

func TestSeen_WindowExpiry(t *testing.T) {
	cfg := Config{
		Window:          30 * time.Millisecond,
		MaxEntries:      100,
		CleanupInterval: 10 * time.Millisecond,
	}
	c := newTestCache(t, cfg)

	assert.False(t, c.Seen("fp-1"))
	assert.True(t, c.Seen("fp-1"))

	time.Sleep(50 * time.Millisecond)

	assert.False(t, c.Seen("fp-1"), "expired key is new again")
	assert.True(t, c.Seen("fp-1"))
}

func TestSeen_HitDoesNotExtendWindow(t *testing.T) {
	cfg := Config{
		Window:          60 * time.Millisecond,
		MaxEntries:      100,
		CleanupInterval: time.Hour, // rely on lazy expiry only
	}
	c := newTestCache(t, cfg)

	assert.False(t, c.Seen("fp-1"))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, c.Seen("fp-1"))
	time.Sleep(40 * time.Millisecond)

	// 80ms after first sight the window is over, even though a hit
	// happened in between.
	assert.False(t, c.Seen("fp-1"))
}

func TestSeen_CapEvictsOldest(t *testing.T) {
	cfg := Config{
		Window:          time.Hour,
		MaxEntries:      3,
		CleanupInterval: time.Hour,
	}
	c := newTestCache(t, cfg)

	for i := 1; i <= 4; i++ {
		assert.False(t, c.Seen(fmt.Sprintf("fp-%d", i)))
	}

	assert.Equal(t, 3, c.Size())
	assert.False(t, c.Seen("fp-1"), "oldest entry was evicted despite unexpired window")
	assert.True(t, c.Seen("fp-4"))
}

func TestSeen_EmptyKeyIgnored(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	assert.False(t, c.Seen(""))
	assert.False(t, c.Seen(""))
	assert.Equal(t, 0, c.Size())
}

func TestBackgroundSweepRemovesExpired(t *testing.T) {
	cfg := Config{
		Window:          20 * time.Millisecond,
		MaxEntries:      100,
		CleanupInterval: 10 * time.Millisecond,
	}
	c := newTestCache(t, cfg)

	c.Seen("fp-1")
	c.Seen("fp-2")
	require.Equal(t, 2, c.Size())

	assert.Eventually(t, func() bool {
		return c.Size() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestReset(t *testing.T) {
	c := newTestCache(t, DefaultConfig())

	c.Seen("fp-1")
	c.Seen("fp-2")
	c.Reset()

	assert.Equal(t, 0, c.Size())
	assert.False(t, c.Seen("fp-1"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults valid", func(_ *Config) {}, true},
		{"zero window", func(c *Config) { c.Window = 0 }, false},
		{"zero cap", func(c *Config) { c.MaxEntries = 0 }, false},
		{"zero cleanup", func(c *Config) { c.CleanupInterval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	c, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestContextCancelStopsSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(ctx, DefaultConfig())
	require.NoError(t, err)

	cancel()

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("sweep goroutine did not stop on context cancellation")
	}
}
