package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/journal"
	"github.com/c360/sessionsync/pkg/timestamp"
	"github.com/c360/sessionsync/store"
)

func newWatchdog(t *testing.T, config Config) (*Watchdog, *store.Store, *journal.Ring) {
	t.Helper()
	st, err := store.New(store.DefaultConfig())
	require.NoError(t, err)
	ring := journal.NewRing(100)
	w, err := New(config, st, ring)
	require.NoError(t, err)
	return w, st, ring
}

func addPartial(t *testing.T, st *store.Store, id string, age time.Duration) {
	t.Helper()
	at := timestamp.Now() - age.Milliseconds()
	require.NoError(t, st.Add(event.Canonical{
		ID: id, SessionID: "sess-1", Kind: "message_delta", Partial: true,
		CreatedAt: at, UpdatedAt: at,
	}))
}

func TestSweep_ForceCompletesStalePartials(t *testing.T) {
	w, st, ring := newWatchdog(t, DefaultConfig())

	addPartial(t, st, "stale-1", 2*time.Minute)
	addPartial(t, st, "recent-1", time.Second)

	assert.Equal(t, 1, w.Sweep())

	stale, _ := st.Get("stale-1")
	assert.False(t, stale.Partial)

	recent, _ := st.Get("recent-1")
	assert.True(t, recent.Partial)

	entries := ring.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.KindWatchdog, entries[0].Kind)
	assert.Equal(t, "stale-1", entries[0].EventID)
}

func TestSweep_IgnoresCompleteEvents(t *testing.T) {
	w, st, _ := newWatchdog(t, DefaultConfig())

	at := timestamp.Now() - (2 * time.Minute).Milliseconds()
	require.NoError(t, st.Add(event.Canonical{
		ID: "done-1", SessionID: "sess-1", Kind: "message_complete",
		CreatedAt: at, UpdatedAt: at,
	}))

	assert.Zero(t, w.Sweep())
}

func TestSweep_CorrectionBumpsUpdatedAt(t *testing.T) {
	w, st, _ := newWatchdog(t, DefaultConfig())

	addPartial(t, st, "stale-1", 2*time.Minute)
	before, _ := st.Get("stale-1")

	require.Equal(t, 1, w.Sweep())

	after, _ := st.Get("stale-1")
	assert.Greater(t, after.UpdatedAt, before.UpdatedAt)
	assert.Zero(t, w.Sweep(), "a corrected event must not be corrected again")
}

func TestSweep_SkipsEventsWithoutTimestamps(t *testing.T) {
	w, st, _ := newWatchdog(t, DefaultConfig())

	require.NoError(t, st.Add(event.Canonical{
		ID: "no-ts", SessionID: "sess-1", Kind: "message_delta", Partial: true,
	}))

	assert.Zero(t, w.Sweep())
}

func TestStartStop_Lifecycle(t *testing.T) {
	w, st, _ := newWatchdog(t, Config{Interval: 10 * time.Millisecond, StaleAfter: 20 * time.Millisecond})

	addPartial(t, st, "stale-1", time.Minute)

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		ce, _ := st.Get("stale-1")
		return !ce.Partial
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	err := w.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrNotStarted)
}
