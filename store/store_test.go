package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func ev(id, sessionID string, ts int64) event.Canonical {
	return event.Canonical{
		ID:        id,
		SessionID: sessionID,
		Kind:      "message_complete",
		Content:   "content-" + id,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func TestAdd_IndexesBothWays(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	require.NoError(t, s.Add(ev("e1", "s1", 100)))
	require.NoError(t, s.Add(ev("e2", "s1", 200)))

	got, ok := s.Get("e1")
	assert.True(t, ok)
	assert.Equal(t, "content-e1", got.Content)

	assert.Equal(t, []string{"e1", "e2"}, s.Session("s1"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.SessionCount())
}

func TestAdd_UpsertNoDuplicateInSessionList(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	require.NoError(t, s.Add(ev("e1", "s1", 100)))
	updated := ev("e1", "s1", 100)
	updated.Content = "rewritten"
	require.NoError(t, s.Add(updated))

	assert.Equal(t, []string{"e1"}, s.Session("s1"))
	got, _ := s.Get("e1")
	assert.Equal(t, "rewritten", got.Content)
}

func TestAdd_Uniqueness(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	distinct := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("e%d", i%10)
		distinct[id] = true
		require.NoError(t, s.Add(ev(id, "s1", int64(i))))
	}

	assert.Equal(t, len(distinct), s.Len())

	seen := map[string]int{}
	for _, id := range s.Session("s1") {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s appears %d times in session list", id, n)
	}
}

func TestAdd_RejectsMissingID(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	err := s.Add(event.Canonical{SessionID: "s1"})
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, s.Len())
}

func TestAdd_SessionMembershipFixedAtFirstInsert(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	require.NoError(t, s.Add(ev("e1", "s1", 100)))
	moved := ev("e1", "s2", 200)
	require.NoError(t, s.Add(moved))

	assert.Equal(t, []string{"e1"}, s.Session("s1"))
	assert.Empty(t, s.Session("s2"))
	got, _ := s.Get("e1")
	assert.Equal(t, "s1", got.SessionID)
}

func TestPartial_MonotonicTransition(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	partial := ev("e1", "s1", 100)
	partial.Partial = true
	require.NoError(t, s.Add(partial))

	final := ev("e1", "s1", 100)
	final.Partial = false
	require.NoError(t, s.Add(final))
	got, _ := s.Get("e1")
	assert.False(t, got.Partial, "true to false is allowed")

	regressed := ev("e1", "s1", 100)
	regressed.Partial = true
	require.NoError(t, s.Add(regressed))
	got, _ = s.Get("e1")
	assert.False(t, got.Partial, "false to true is rejected outside correction")
}

func TestAddCorrected_BypassesPartialGuard(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	final := ev("e1", "s1", 100)
	require.NoError(t, s.Add(final))

	corrected := ev("e1", "s1", 100)
	corrected.Partial = true
	require.NoError(t, s.AddCorrected(corrected))

	got, _ := s.Get("e1")
	assert.True(t, got.Partial)
}

func TestForceComplete(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	partial := ev("e1", "s1", 100)
	partial.Partial = true
	require.NoError(t, s.Add(partial))

	assert.True(t, s.ForceComplete("e1"))
	got, _ := s.Get("e1")
	assert.False(t, got.Partial)
	assert.Greater(t, got.UpdatedAt, int64(100))

	assert.False(t, s.ForceComplete("e1"), "already complete")
	assert.False(t, s.ForceComplete("missing"))
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	require.NoError(t, s.Add(ev("e1", "s1", 100)))
	require.NoError(t, s.Add(ev("e2", "s1", 200)))

	assert.True(t, s.Remove("e1"))
	assert.False(t, s.Remove("e1"))

	_, ok := s.Get("e1")
	assert.False(t, ok)
	assert.Equal(t, []string{"e2"}, s.Session("s1"))

	assert.True(t, s.Remove("e2"))
	assert.Equal(t, 0, s.SessionCount(), "empty session list is dropped")
}

func TestSessionEvents_InsertionOrder(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	require.NoError(t, s.Add(ev("e3", "s1", 300)))
	require.NoError(t, s.Add(ev("e1", "s1", 100)))
	require.NoError(t, s.Add(ev("e2", "s1", 200)))

	events := s.SessionEvents("s1")
	require.Len(t, events, 3)
	// Delivery order, not timestamp order
	assert.Equal(t, "e3", events[0].ID)
	assert.Equal(t, "e1", events[1].ID)
	assert.Equal(t, "e2", events[2].ID)
}

func TestEviction_BoundsResidentSessions(t *testing.T) {
	s := newTestStore(t, Config{MaxSessions: 3})
	s.SetActiveSession("active")
	require.NoError(t, s.Add(ev("a1", "active", 1)))

	for i := 1; i <= 6; i++ {
		sid := fmt.Sprintf("s%d", i)
		require.NoError(t, s.Add(ev(sid+"-e", sid, int64(i*100))))
	}

	assert.LessOrEqual(t, s.SessionCount(), 3)
	assert.NotEmpty(t, s.Session("active"), "active session is never evicted")
}

func TestEviction_OldestFirstWithHeadroom(t *testing.T) {
	s := newTestStore(t, Config{MaxSessions: 3})

	require.NoError(t, s.Add(ev("e1", "old", 100)))
	require.NoError(t, s.Add(ev("e2", "mid", 200)))
	require.NoError(t, s.Add(ev("e3", "new", 300)))

	// Fourth session trips the bound; the two oldest go (one more than
	// strictly necessary).
	require.NoError(t, s.Add(ev("e4", "newest", 400)))

	assert.Empty(t, s.Session("old"))
	assert.Empty(t, s.Session("mid"))
	assert.NotEmpty(t, s.Session("new"))
	assert.NotEmpty(t, s.Session("newest"))

	// Evicted events are fully gone from both indices
	_, ok := s.Get("e1")
	assert.False(t, ok)
}

func TestEviction_RecencyUsesLastFewEvents(t *testing.T) {
	s := newTestStore(t, Config{MaxSessions: 3})

	// "busy" has an old first event but recent activity; "idle" is newer
	// by first event but stale since.
	require.NoError(t, s.Add(ev("b1", "busy", 50)))
	require.NoError(t, s.Add(ev("b2", "busy", 500)))
	require.NoError(t, s.Add(ev("i1", "idle", 100)))
	require.NoError(t, s.Add(ev("n1", "new", 400)))

	require.NoError(t, s.Add(ev("x1", "extra", 600)))

	assert.Empty(t, s.Session("idle"), "stale session evicted")
	assert.NotEmpty(t, s.Session("busy"), "recently active session kept")
}

func TestClear(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	require.NoError(t, s.Add(ev("e1", "s1", 100)))
	require.NoError(t, s.Add(ev("e2", "s2", 200)))

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.SessionCount())
	assert.Empty(t, s.Snapshot())
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	require.NoError(t, s.Add(ev("e1", "s1", 100)))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Content = "mutated"

	got, _ := s.Get("e1")
	assert.Equal(t, "content-e1", got.Content)
}
