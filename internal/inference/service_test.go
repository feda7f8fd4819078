package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/transitions/internal/core/seenstate"
	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/storage/memory"
	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/evaluator"
	"github.com/aevon-lab/transitions/internal/posting"
)

const rulesYAML = `
service: billing
objects:
  - type: Subscription
    attribute: status
    terminal_states: [CANCELLED, EXPIRED]
    counters:
      - name: expired
        to_state: EXPIRED
    inference:
      - id: idle-expire
        idle_for: 1h
        emit_state: EXPIRED
        emit_service: inference
        reason: no_heartbeat
`

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock *quartz.Mock
	store *memory.Store
	sink  *posting.Collector
	rules *transition.RuleSet
	eval  *evaluator.Evaluator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, rulesYAML)
}

func newFixtureWith(t *testing.T, doc string) *fixture {
	t.Helper()
	svc, err := transition.ParseServiceRules([]byte(doc))
	require.NoError(t, err)
	rules, err := transition.NewRuleSet([]*transition.ServiceRules{svc})
	require.NoError(t, err)

	f := &fixture{clock: quartz.NewMock(t), store: memory.New(), sink: &posting.Collector{}, rules: rules}
	f.eval = evaluator.New(evaluator.Config{
		Rules:     rules,
		Snapshots: f.store,
		Codec:     seenstate.NewCodec(f.store),
		IDs:       posting.NewIDFactory(transition.NewGranularity(5 * time.Second)),
		Sink:      f.sink,
	})
	return f
}

func (f *fixture) service(snapshots storage.SnapshotStore, eval Evaluator) *Service {
	if snapshots == nil {
		snapshots = f.store
	}
	if eval == nil {
		eval = f.eval
	}
	return NewService(Config{Rules: f.rules, Snapshots: snapshots, Synthetic: f.store, Evaluator: eval, Clock: f.clock})
}

func (f *fixture) report(t *testing.T, id, state string, ts time.Time) {
	t.Helper()
	f.reportFor(t, "sub-1", id, state, ts)
}

func (f *fixture) reportFor(t *testing.T, objectID, id, state string, ts time.Time) {
	t.Helper()
	_, err := f.eval.Evaluate(context.Background(), evaluator.StateChange{
		ServiceID: "billing", EventID: id, EventTs: ts,
		ObjectType: "Subscription", ObjectID: objectID, Attribute: "status", NewState: state,
	})
	require.NoError(t, err)
}

func TestSweep_IdleObjectGetsOneSyntheticTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(3 * time.Hour))
	svc := f.service(nil, nil)

	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Created: 1}, res)

	recs := f.store.SyntheticRecords()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "EXPIRED", rec.SyntheticState)
	assert.True(t, rec.SyntheticTs.Equal(t0.Add(time.Hour)), "inferred at lastEventTs + idleFor")
	assert.Equal(t, transition.StatusActive, rec.Status)
	assert.Equal(t, transition.OriginInference, rec.Origin)
	assert.Equal(t, "inference", rec.EmitServiceID)
	assert.Equal(t, "no_heartbeat", rec.Reason)
	assert.Equal(t, "ACTIVE", rec.LastState)
	assert.True(t, rec.SeenStateAdded)
	assert.ElementsMatch(t, []transition.FootprintEntry{
		{Counter: transition.RawCounter, FromStates: []string{"ACTIVE"}, ToState: "EXPIRED"},
		{Counter: "expired", FromStates: []string{"ACTIVE"}, ToState: "EXPIRED"},
	}, rec.Footprint)

	for _, p := range f.sink.Postings() {
		if p.SourceEventID == rec.SyntheticEventID {
			assert.Equal(t, "inference", p.Key.ServiceID)
		}
	}

	snap, _, err := f.store.GetSnapshot(ctx, rec.ObjectKey())
	require.NoError(t, err)
	assert.Equal(t, "EXPIRED", snap.TerminalState)

	f.clock.Set(t0.Add(10 * time.Hour))
	res, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Created, "terminal objects are not candidates")
	assert.Len(t, f.store.SyntheticRecords(), 1)
}

func TestSweep_NotIdleYet(t *testing.T) {
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(30 * time.Minute))

	res, err := f.service(nil, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Empty(t, f.store.SyntheticRecords())
}

// noopEvaluator never touches the snapshot.
type noopEvaluator struct {
	calls int
	err   error
}

func (n *noopEvaluator) Do(_ transition.ObjectKey, fn func(evaluator.Object) error) error {
	return fn(n)
}

func (n *noopEvaluator) Snapshot(context.Context) (transition.Snapshot, bool, error) {
	return transition.Snapshot{}, false, nil
}

func (n *noopEvaluator) Evaluate(context.Context, evaluator.StateChange, ...evaluator.Option) (evaluator.Result, error) {
	n.calls++
	return evaluator.Result{}, n.err
}

func (n *noopEvaluator) Restore(context.Context, transition.SyntheticTerminalRecord) (bool, error) {
	return false, nil
}

func TestSweep_RerunAgainstUnchangedSnapshotIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(2 * time.Hour))
	eval := &noopEvaluator{}
	svc := f.service(nil, eval)

	for i := 0; i < 3; i++ {
		_, err := svc.Sweep(context.Background())
		require.NoError(t, err)
	}

	// The snapshot never moved, so every sweep re-evaluates the same record.
	assert.Len(t, f.store.SyntheticRecords(), 1)
	assert.Equal(t, 3, eval.calls)
}

func TestSweep_ResumesRecordThatWasNeverEvaluated(t *testing.T) {
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(2 * time.Hour))

	boom := errors.New("sink unavailable")
	_, err := f.service(nil, &noopEvaluator{err: boom}).Sweep(context.Background())
	require.ErrorIs(t, err, boom)
	recs := f.store.SyntheticRecords()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Footprint)

	res, err := f.service(nil, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	got, _ := f.store.Synthetic(recs[0].SyntheticEventID)
	assert.NotEmpty(t, got.Footprint)
}

// staleSnapshots serves candidates as they were at selection time.
type staleSnapshots struct {
	*memory.Store
	candidates []transition.ObjectSnapshot
}

func (s *staleSnapshots) FindIdle(context.Context, storage.IdleQuery) ([]transition.ObjectSnapshot, error) {
	return s.candidates, nil
}

func TestSweep_SkipsWhenSnapshotMovedSinceSelection(t *testing.T) {
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(3 * time.Hour))

	selected, err := f.store.FindIdle(context.Background(), storage.IdleQuery{
		ServiceID: "billing", ObjectType: "Subscription", Attribute: "status", IdleBefore: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, selected, 1)

	// A real event lands between selection and insertion.
	f.report(t, "evt-2", "PAST_DUE", t0.Add(2*time.Hour+30*time.Minute))

	res, err := f.service(&staleSnapshots{Store: f.store, candidates: selected}, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.store.SyntheticRecords())
}

func TestSweep_SkipsFutureInference(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(t0)
	candidate := transition.ObjectSnapshot{
		Key:      transition.ObjectKey{ServiceID: "billing", ObjectType: "Subscription", ObjectID: "sub-1", Attribute: "status"},
		Snapshot: transition.Snapshot{LastState: "ACTIVE", LastEventTs: t0.Add(-30 * time.Minute)},
	}
	eval := &noopEvaluator{}

	res, err := f.service(&staleSnapshots{Store: f.store, candidates: []transition.ObjectSnapshot{candidate}}, eval).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Skipped: 1}, res)
	assert.Zero(t, eval.calls)
}

func TestSweep_RetiresRecordWhenRealEventWinsRace(t *testing.T) {
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(2 * time.Hour))

	res, err := f.service(nil, &noopEvaluator{err: evaluator.ErrStaleSnapshot}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Created)

	recs := f.store.SyntheticRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, transition.StatusSuperseded, recs[0].Status)
	assert.NotNil(t, recs[0].ReversedAt, "nothing to reverse")
}

func TestSweep_ObjectsAlreadyInEmitStateDoNotHoldTheBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, `
service: billing
objects:
  - type: Subscription
    attribute: status
    terminal_states: [CANCELLED, EXPIRED]
    inference:
      - id: idle-expire
        idle_for: 1h
        emit_state: EXPIRED
        non_terminal_only: false
        batch_limit: 1
`)
	f.reportFor(t, "sub-a", "evt-a", "EXPIRED", t0.Add(-time.Hour))
	f.reportFor(t, "sub-b", "evt-b", "ACTIVE", t0)
	f.clock.Set(t0.Add(2 * time.Hour))

	res, err := f.service(nil, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Created: 1}, res)

	recs := f.store.SyntheticRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, "sub-b", recs[0].ObjectID)
}

// failingFootprints fails RecordFootprint until failures runs out.
type failingFootprints struct {
	*memory.Store
	failures int
}

func (s *failingFootprints) RecordFootprint(ctx context.Context, id string, fp []transition.FootprintEntry, added bool) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.Store.RecordFootprint(ctx, id, fp, added)
}

func TestSweep_FootprintFailureLeavesNothingApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(2 * time.Hour))
	before := len(f.sink.Postings())

	synthetic := &failingFootprints{Store: f.store, failures: 1}
	svc := NewService(Config{Rules: f.rules, Snapshots: f.store, Synthetic: synthetic, Evaluator: f.eval, Clock: f.clock})

	_, err := svc.Sweep(ctx)
	require.Error(t, err)
	assert.Len(t, f.sink.Postings(), before, "no synthetic postings without a footprint")
	snap, _, err := f.store.GetSnapshot(ctx, transition.ObjectKey{ServiceID: "billing", ObjectType: "Subscription", ObjectID: "sub-1", Attribute: "status"})
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", snap.LastState)

	// The object is still idle, so the next sweep resumes the same record.
	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	recs := f.store.SyntheticRecords()
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].Footprint)

	var forward int
	for _, p := range f.sink.Postings() {
		if p.SourceEventID == recs[0].SyntheticEventID {
			forward++
		}
	}
	assert.Equal(t, len(recs[0].Footprint), forward, "one posting per footprint entry")
}

func TestSyntheticEventID_Deterministic(t *testing.T) {
	rule := transition.InferenceRule{ID: "idle-expire", ObjectType: "Subscription", Attribute: "status", EmitState: "EXPIRED"}
	a := SyntheticEventID(rule, "sub-1", t0)
	assert.Equal(t, a, SyntheticEventID(rule, "sub-1", t0.In(time.FixedZone("X", 3600))))
	assert.NotEqual(t, a, SyntheticEventID(rule, "sub-2", t0))
	assert.NotEqual(t, a, SyntheticEventID(rule, "sub-1", t0.Add(time.Millisecond)))
}

func TestScheduler_SweepsOnStart(t *testing.T) {
	f := newFixture(t)
	f.report(t, "evt-1", "ACTIVE", t0)
	f.clock.Set(t0.Add(2 * time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, NewScheduler(f.service(nil, nil), f.clock, time.Minute).Start(ctx))
	assert.Len(t, f.store.SyntheticRecords(), 1)
}
