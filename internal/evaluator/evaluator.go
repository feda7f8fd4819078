// Package evaluator decides which transition counters a state change fires and
// evolves the per-object snapshot accordingly.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EagleChen/mapmutex"

	"github.com/aevon-lab/transitions/internal/core/seenstate"
	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/posting"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

var (
	// ErrKeyBusy is returned when another evaluation holds the object's lock for too long.
	ErrKeyBusy = errors.New("object is being evaluated concurrently")

	// ErrStaleSnapshot is returned when RequireLastEventTs no longer matches the stored snapshot.
	ErrStaleSnapshot = errors.New("snapshot moved since it was observed")
)

const defaultConflictRetries = 3

// Posting origins reported to metrics.
const (
	OriginEvent     = "event"
	OriginInference = "inference"
	OriginReversal  = "reversal"
)

// StateChange is one observed state of an object's attribute.
type StateChange struct {
	ServiceID  string
	EventID    string
	EventTs    time.Time
	ObjectType string
	ObjectID   string
	Attribute  string
	NewState   string
}

// ObjectKey returns the object this change belongs to.
func (c StateChange) ObjectKey() transition.ObjectKey {
	return transition.ObjectKey{ServiceID: c.ServiceID, ObjectType: c.ObjectType, ObjectID: c.ObjectID, Attribute: c.Attribute}
}

// Result describes what one evaluation did.
type Result struct {
	SameState      bool
	Postings       []transition.Posting
	Footprint      []transition.FootprintEntry
	SeenStateAdded bool
	Previous       *transition.Snapshot
	Snapshot       transition.Snapshot
}

// Option tunes one evaluation.
type Option func(*evalOptions)

type evalOptions struct {
	postingService string
	origin         string
	expectLastTs   *time.Time
	recordFp       FootprintRecorder
}

// FootprintRecorder persists what an evaluation is about to count. It runs after
// the decision and before the snapshot write, so a failure leaves nothing applied.
type FootprintRecorder func(ctx context.Context, res Result) error

// WithPostingService emits postings under serviceID instead of the change's service.
func WithPostingService(serviceID string) Option {
	return func(o *evalOptions) { o.postingService = serviceID }
}

// Synthetic marks the evaluation as inferred. Metrics attribute its postings to inference.
func Synthetic() Option {
	return func(o *evalOptions) { o.origin = OriginInference }
}

// RequireLastEventTs aborts with ErrStaleSnapshot unless the stored snapshot's
// lastEventTs equals ts.
func RequireLastEventTs(ts time.Time) Option {
	return func(o *evalOptions) { o.expectLastTs = &ts }
}

// WithFootprintRecorder runs fn before the snapshot is written. It runs again on
// every conflict re-evaluation, so the last recorded footprint is the applied one.
func WithFootprintRecorder(fn FootprintRecorder) Option {
	return func(o *evalOptions) { o.recordFp = fn }
}

// Object is one object whose evaluation lock is held. It is only valid inside Do.
type Object interface {
	Snapshot(ctx context.Context) (transition.Snapshot, bool, error)
	Evaluate(ctx context.Context, change StateChange, opts ...Option) (Result, error)
	Restore(ctx context.Context, rec transition.SyntheticTerminalRecord) (bool, error)
}

// Config wires an Evaluator.
type Config struct {
	Rules           *transition.RuleSet
	Snapshots       storage.SnapshotStore
	Codec           *seenstate.Codec
	IDs             *posting.IDFactory
	Sink            posting.Sink
	ConflictRetries int
	Metrics         *telemetry.Metrics
}

// Evaluator runs the transition state machine.
//
// Evaluations of one object are serialized in-process with a per-key lock, and the
// snapshot write is a compare-and-swap on the previous lastEventTs, so concurrent
// writers in other processes cause a bounded re-evaluation rather than a lost update.
// Do exposes the lock to callers that must read and write around an evaluation.
type Evaluator struct {
	rules           *transition.RuleSet
	snapshots       storage.SnapshotStore
	codec           *seenstate.Codec
	ids             *posting.IDFactory
	sink            posting.Sink
	conflictRetries int
	metrics         *telemetry.Metrics
	locks           *mapmutex.Mutex
}

// New creates an evaluator. It panics if a required dependency is missing.
func New(cfg Config) *Evaluator {
	if cfg.Snapshots == nil || cfg.Codec == nil || cfg.IDs == nil || cfg.Sink == nil {
		panic("evaluator: snapshots, codec, ids and sink are required")
	}
	retries := cfg.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &Evaluator{
		rules:           cfg.Rules,
		snapshots:       cfg.Snapshots,
		codec:           cfg.Codec,
		ids:             cfg.IDs,
		sink:            cfg.Sink,
		conflictRetries: retries,
		metrics:         cfg.Metrics,
		// 800 retries, 0.1s max delay, 10ns base delay
		locks: mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
	}
}

// Do runs fn while holding key's evaluation lock, so several reads and writes of
// one object happen without another evaluation in between.
func (e *Evaluator) Do(key transition.ObjectKey, fn func(Object) error) error {
	lockKey := key.String()
	if !e.locks.TryLock(lockKey) {
		return fmt.Errorf("%w: %s", ErrKeyBusy, lockKey)
	}
	defer e.locks.Unlock(lockKey)
	return fn(&lockedObject{e: e, key: key})
}

// Evaluate applies one state change: it computes the postings, writes the new
// snapshot and hands the postings to the sink. Postings are only emitted once the
// snapshot write has succeeded.
func (e *Evaluator) Evaluate(ctx context.Context, change StateChange, opts ...Option) (Result, error) {
	var res Result
	err := e.Do(change.ObjectKey(), func(obj Object) error {
		var err error
		res, err = obj.Evaluate(ctx, change, opts...)
		return err
	})
	return res, err
}

// Restore rolls the snapshot of rec's object back to the values observed before
// rec was evaluated. It only applies while the snapshot still reflects the
// synthetic event itself; otherwise it reports false and leaves the row alone.
func (e *Evaluator) Restore(ctx context.Context, rec transition.SyntheticTerminalRecord) (bool, error) {
	var restored bool
	err := e.Do(rec.ObjectKey(), func(obj Object) error {
		var err error
		restored, err = obj.Restore(ctx, rec)
		return err
	})
	return restored, err
}

type lockedObject struct {
	e   *Evaluator
	key transition.ObjectKey
}

func (o *lockedObject) Snapshot(ctx context.Context) (transition.Snapshot, bool, error) {
	snap, ok, err := o.e.snapshots.GetSnapshot(ctx, o.key)
	if err != nil {
		return transition.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", o.key, err)
	}
	return snap, ok, nil
}

func (o *lockedObject) Evaluate(ctx context.Context, change StateChange, opts ...Option) (Result, error) {
	if change.ObjectKey() != o.key {
		return Result{}, fmt.Errorf("evaluate %s while holding %s", change.ObjectKey(), o.key)
	}
	return o.e.evaluate(ctx, change, opts...)
}

func (o *lockedObject) Restore(ctx context.Context, rec transition.SyntheticTerminalRecord) (bool, error) {
	if rec.ObjectKey() != o.key {
		return false, fmt.Errorf("restore %s while holding %s", rec.ObjectKey(), o.key)
	}
	return o.e.restore(ctx, rec)
}

func (e *Evaluator) evaluate(ctx context.Context, change StateChange, opts ...Option) (Result, error) {
	o := evalOptions{postingService: change.ServiceID, origin: OriginEvent}
	for _, opt := range opts {
		opt(&o)
	}

	key := change.ObjectKey()
	lockKey := key.String()
	svc := e.serviceRules(change.ServiceID)

	var lastErr error
	for attempt := 1; attempt <= e.conflictRetries; attempt++ {
		prev, ok, err := e.snapshots.GetSnapshot(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("load snapshot %s: %w", lockKey, err)
		}
		var prevSnap *transition.Snapshot
		if ok {
			prevSnap = &prev
		}
		if o.expectLastTs != nil && (prevSnap == nil || !prevSnap.LastEventTs.Equal(*o.expectLastTs)) {
			return Result{}, fmt.Errorf("%w: %s", ErrStaleSnapshot, lockKey)
		}

		res, err := e.decide(ctx, svc, change, prevSnap, o)
		if err != nil {
			return Result{}, err
		}

		if o.recordFp != nil {
			if err := o.recordFp(ctx, res); err != nil {
				return Result{}, fmt.Errorf("record footprint of %s: %w", lockKey, err)
			}
		}

		var prevTs *time.Time
		if prevSnap != nil {
			prevTs = &prevSnap.LastEventTs
		}
		err = e.snapshots.UpsertSnapshot(ctx, key, res.Snapshot, prevTs)
		if errors.Is(err, storage.ErrSnapshotConflict) {
			e.metrics.SnapshotConflict()
			lastErr = err
			slog.Debug("[Evaluator] Snapshot changed concurrently, re-evaluating",
				"object", lockKey, "attempt", attempt)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("write snapshot %s: %w", lockKey, err)
		}

		if len(res.Postings) > 0 {
			if err := e.sink.Post(ctx, res.Postings); err != nil {
				return Result{}, fmt.Errorf("post transitions for %s: %w", lockKey, err)
			}
			e.metrics.PostingsEmitted(o.origin, len(res.Postings))
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("evaluate %s after %d attempts: %w", lockKey, e.conflictRetries, lastErr)
}

func (e *Evaluator) restore(ctx context.Context, rec transition.SyntheticTerminalRecord) (bool, error) {
	key := rec.ObjectKey()
	lockKey := key.String()

	cur, ok, err := e.snapshots.GetSnapshot(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load snapshot %s: %w", lockKey, err)
	}
	if !ok || !cur.LastEventTs.Equal(rec.SyntheticTs) || cur.LastState != rec.SyntheticState {
		slog.Debug("[Evaluator] Snapshot moved past synthetic event, not restoring",
			"object", lockKey, "synthetic_event_id", rec.SyntheticEventID)
		return false, nil
	}

	scope := key.Scope()
	seen, err := e.loadSeen(ctx, scope, cur)
	if err != nil {
		return false, err
	}
	if rec.SeenStateAdded {
		id, found, err := e.codec.Resolve(ctx, scope, rec.SyntheticState)
		if err != nil {
			return false, err
		}
		if found {
			seen.Remove(id)
		}
	}

	restored := transition.Snapshot{
		LastState:     rec.LastState,
		LastEventTs:   rec.LastEventTs,
		TerminalState: rec.PriorTerminalState,
	}
	if restored.SeenStates, err = e.codec.Decode(ctx, scope, seen); err != nil {
		return false, err
	}
	if restored.SeenBits, err = seen.MarshalBinary(); err != nil {
		return false, fmt.Errorf("encode seen states: %w", err)
	}

	prev := cur.LastEventTs
	if err := e.snapshots.UpsertSnapshot(ctx, key, restored, &prev); err != nil {
		if errors.Is(err, storage.ErrSnapshotConflict) {
			e.metrics.SnapshotConflict()
			return false, nil
		}
		return false, fmt.Errorf("restore snapshot %s: %w", lockKey, err)
	}
	return true, nil
}

func (e *Evaluator) serviceRules(serviceID string) *transition.ServiceRules {
	if svc := e.rules.Service(serviceID); svc != nil {
		return svc
	}
	return &transition.ServiceRules{ServiceID: serviceID}
}

// loadSeen prefers the bit-vector and falls back to the decoded list.
func (e *Evaluator) loadSeen(ctx context.Context, scope transition.Scope, snap transition.Snapshot) (*seenstate.Set, error) {
	if len(snap.SeenBits) > 0 {
		set, err := seenstate.UnmarshalSet(snap.SeenBits)
		if err != nil {
			return nil, fmt.Errorf("decode seen states: %w", err)
		}
		return set, nil
	}
	if len(snap.SeenStates) > 0 {
		set, err := e.codec.Encode(ctx, scope, snap.SeenStates)
		if err != nil {
			return nil, fmt.Errorf("encode seen states: %w", err)
		}
		return set, nil
	}
	return seenstate.NewSet(), nil
}
