package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

var (
	t0  = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	obj = transition.ObjectKey{ServiceID: "billing", ObjectType: "Subscription", ObjectID: "sub-1", Attribute: "status"}
	key = transition.TransitionKey{ServiceID: "billing", ObjectType: "Subscription", Attribute: "status", Counter: "activated", FromState: "TRIAL", ToState: "ACTIVE"}
)

func TestUpsertSnapshot_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := transition.Snapshot{LastState: "TRIAL", LastEventTs: t0}
	require.NoError(t, s.UpsertSnapshot(ctx, obj, first, nil))
	require.ErrorIs(t, s.UpsertSnapshot(ctx, obj, first, nil), storage.ErrSnapshotConflict, "row already exists")

	stale := t0.Add(-time.Second)
	next := transition.Snapshot{LastState: "ACTIVE", LastEventTs: t0.Add(time.Minute)}
	require.ErrorIs(t, s.UpsertSnapshot(ctx, obj, next, &stale), storage.ErrSnapshotConflict)

	prev := t0
	require.NoError(t, s.UpsertSnapshot(ctx, obj, next, &prev))

	got, ok, err := s.GetSnapshot(ctx, obj)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", got.LastState)
}

func TestFindIdle(t *testing.T) {
	ctx := context.Background()
	s := New()

	put := func(id string, ts time.Time, terminal string) {
		k := obj
		k.ObjectID = id
		require.NoError(t, s.UpsertSnapshot(ctx, k, transition.Snapshot{LastState: "ACTIVE", LastEventTs: ts, TerminalState: terminal}, nil))
	}
	put("old", t0, "")
	put("older", t0.Add(-time.Hour), "")
	put("fresh", t0.Add(time.Hour), "")
	put("done", t0.Add(-2*time.Hour), "CANCELLED")

	q := storage.IdleQuery{ServiceID: "billing", ObjectType: "Subscription", Attribute: "status", IdleBefore: t0, Limit: 10}
	got, err := s.FindIdle(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].Key.ObjectID)
	assert.Equal(t, "old", got[1].Key.ObjectID)

	q.IncludeTerminal = true
	q.Limit = 1
	got, err = s.FindIdle(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "done", got[0].Key.ObjectID)

	// rows already in the emitted state must not hold the batch
	q.ExcludeState = "ACTIVE"
	require.NoError(t, s.UpsertSnapshot(ctx, transition.ObjectKey{
		ServiceID: "billing", ObjectType: "Subscription", ObjectID: "past-due", Attribute: "status",
	}, transition.Snapshot{LastState: "PAST_DUE", LastEventTs: t0}, nil))
	got, err = s.FindIdle(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "past-due", got[0].Key.ObjectID)
}

func TestApplyPostings_DedupAndRollup(t *testing.T) {
	ctx := context.Background()
	s := New()
	gs := []transition.Granularity{transition.NewGranularity(5 * time.Second), transition.NewGranularity(time.Hour)}

	batch := []transition.Posting{
		{ID: "p1", Key: key, Timestamp: t0.Add(2 * time.Second), Delta: 1},
		{ID: "p2", Key: key, Timestamp: t0.Add(7 * time.Second), Delta: 1},
	}
	n, err := s.ApplyPostings(ctx, batch, gs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.ApplyPostings(ctx, batch, gs)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "redelivered batch is a no-op")

	assert.Equal(t, int64(1), s.RollupValue(t0, "5s", key))
	assert.Equal(t, int64(1), s.RollupValue(t0.Add(5*time.Second), "5s", key))
	assert.Equal(t, int64(2), s.RollupValue(t0, "1h", key))
	assert.Equal(t, int64(2), s.CounterTotal("5s", key))
	assert.Equal(t, 2, s.DedupSize())
}

func TestInsertSyntheticIfUnchanged(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertSnapshot(ctx, obj, transition.Snapshot{LastState: "ACTIVE", LastEventTs: t0}, nil))

	rec := transition.SyntheticTerminalRecord{
		ServiceID: obj.ServiceID, ObjectType: obj.ObjectType, ObjectID: obj.ObjectID, Attribute: obj.Attribute,
		RuleID: "idle-cancel", SyntheticEventID: "syn-1", SyntheticTs: t0.Add(time.Hour),
		SyntheticState: "CANCELLED", Origin: transition.OriginInference,
	}

	ok, err := s.InsertSyntheticIfUnchanged(ctx, rec, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "snapshot moved since selection")

	ok, err = s.InsertSyntheticIfUnchanged(ctx, rec, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertSyntheticIfUnchanged(ctx, rec, t0)
	require.NoError(t, err)
	assert.False(t, ok, "same id is inserted once")

	got, found := s.Synthetic("syn-1")
	require.True(t, found)
	assert.Equal(t, transition.StatusActive, got.Status)
}

func TestSyntheticLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertSnapshot(ctx, obj, transition.Snapshot{LastState: "ACTIVE", LastEventTs: t0}, nil))

	rec := transition.SyntheticTerminalRecord{
		ServiceID: obj.ServiceID, ObjectType: obj.ObjectType, ObjectID: obj.ObjectID, Attribute: obj.Attribute,
		RuleID: "idle-cancel", SyntheticEventID: "syn-1", SyntheticTs: t0.Add(time.Hour), SyntheticState: "CANCELLED",
	}
	_, err := s.InsertSyntheticIfUnchanged(ctx, rec, t0)
	require.NoError(t, err)

	fp := []transition.FootprintEntry{{Counter: "cancelled", FromStates: []string{"ACTIVE"}, ToState: "CANCELLED"}}
	require.NoError(t, s.RecordFootprint(ctx, "syn-1", fp, true))
	require.ErrorIs(t, s.RecordFootprint(ctx, "missing", fp, false), storage.ErrNotFound)

	active, err := s.ListActiveSynthetic(ctx, obj)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, fp, active[0].Footprint)
	assert.True(t, active[0].SeenStateAdded)

	at := t0.Add(2 * time.Hour)
	flipped, err := s.MarkSuperseded(ctx, "syn-1", "evt-real", at)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = s.MarkSuperseded(ctx, "syn-1", "evt-real", at)
	require.NoError(t, err)
	assert.False(t, flipped, "ACTIVE -> SUPERSEDED happens once")

	active, err = s.ListActiveSynthetic(ctx, obj)
	require.NoError(t, err)
	assert.Empty(t, active)

	unsettled, err := s.ListUnsettledSynthetic(ctx, obj)
	require.NoError(t, err)
	require.Len(t, unsettled, 1, "superseded but not yet reversed")

	require.NoError(t, s.MarkReversed(ctx, "syn-1", at))

	unsettled, err = s.ListUnsettledSynthetic(ctx, obj)
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	got, _ := s.Synthetic("syn-1")
	assert.Equal(t, transition.StatusSuperseded, got.Status)
	assert.Equal(t, "evt-real", got.SupersededByEventID)
	require.NotNil(t, got.ReversedAt)
	assert.True(t, got.ReversedAt.Equal(at))
}

func TestRetireSynthetic(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertSnapshot(ctx, obj, transition.Snapshot{LastState: "ACTIVE", LastEventTs: t0}, nil))
	_, err := s.InsertSyntheticIfUnchanged(ctx, transition.SyntheticTerminalRecord{
		ServiceID: obj.ServiceID, ObjectType: obj.ObjectType, ObjectID: obj.ObjectID, Attribute: obj.Attribute,
		SyntheticEventID: "syn-1", SyntheticTs: t0.Add(time.Hour), Status: transition.StatusActive,
	}, t0)
	require.NoError(t, err)

	at := t0.Add(2 * time.Hour)
	retired, err := s.RetireSynthetic(ctx, "syn-1", "evt-real", at)
	require.NoError(t, err)
	assert.True(t, retired)

	got, _ := s.Synthetic("syn-1")
	assert.Equal(t, transition.StatusSuperseded, got.Status)
	require.NotNil(t, got.ReversedAt)

	unsettled, err := s.ListUnsettledSynthetic(ctx, obj)
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	_, err = s.RetireSynthetic(ctx, "missing", "evt-real", at)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAllocateStateCode(t *testing.T) {
	ctx := context.Background()
	s := New()
	scope := obj.Scope()

	a, _ := s.AllocateStateCode(ctx, scope, "TRIAL")
	b, _ := s.AllocateStateCode(ctx, scope, "ACTIVE")
	again, _ := s.AllocateStateCode(ctx, scope, "TRIAL")

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, a, again)

	codes, err := s.LoadStateCodes(ctx)
	require.NoError(t, err)
	assert.Len(t, codes, 2)

	other := scope
	other.Attribute = "plan"
	_, _ = s.AllocateStateCode(ctx, other, "PRO")
	codes, err = s.LoadScopeCodes(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, codes, 2)
}
