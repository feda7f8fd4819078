// Package inference synthesizes terminal transitions for objects that went idle
// without reporting one.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/evaluator"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

var syntheticNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:transitions:synthetic"))

// SyntheticEventID is the deterministic id of the synthetic event a rule infers
// for one object at inferredTs. Re-running a sweep yields the same id.
func SyntheticEventID(rule transition.InferenceRule, objectID string, inferredTs time.Time) string {
	name := strings.Join([]string{
		rule.ObjectType,
		objectID,
		rule.Attribute,
		rule.ID,
		strconv.FormatInt(inferredTs.UTC().UnixNano(), 10),
		rule.EmitState,
	}, "\x1e")
	return uuid.NewSHA1(syntheticNamespace, []byte(name)).String()
}

// Evaluator is the part of the transition evaluator inference needs. Insertion,
// evaluation and footprint recording of one object run under its evaluation lock.
type Evaluator interface {
	Do(key transition.ObjectKey, fn func(evaluator.Object) error) error
}

// Config wires a Service.
type Config struct {
	Rules     *transition.RuleSet
	Snapshots storage.SnapshotStore
	Synthetic storage.SyntheticStore
	Evaluator Evaluator
	Clock     quartz.Clock
	Metrics   *telemetry.Metrics
}

// Service runs inference sweeps.
type Service struct {
	rules     *transition.RuleSet
	snapshots storage.SnapshotStore
	synthetic storage.SyntheticStore
	eval      Evaluator
	clock     quartz.Clock
	metrics   *telemetry.Metrics
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Candidates int
	Created    int
	Skipped    int
}

func (r *SweepResult) add(o SweepResult) {
	r.Candidates += o.Candidates
	r.Created += o.Created
	r.Skipped += o.Skipped
}

// NewService creates an inference service. A nil clock uses the real clock.
func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Service{
		rules:     cfg.Rules,
		snapshots: cfg.Snapshots,
		synthetic: cfg.Synthetic,
		eval:      cfg.Evaluator,
		clock:     clock,
		metrics:   cfg.Metrics,
	}
}

// Sweep runs every configured inference rule once. Failures of single candidates
// do not stop the sweep; they are returned together.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		total  SweepResult
		result *multierror.Error
	)
	for _, rule := range s.rules.InferenceRules() {
		res, err := s.SweepRule(ctx, rule)
		total.add(res)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return total, result.ErrorOrNil()
}

// SweepRule infers synthetic terminals for the idle candidates of one rule.
func (s *Service) SweepRule(ctx context.Context, rule transition.InferenceRule) (SweepResult, error) {
	now := s.clock.Now().UTC()

	candidates, err := s.snapshots.FindIdle(ctx, storage.IdleQuery{
		ServiceID:       rule.ServiceID,
		ObjectType:      rule.ObjectType,
		Attribute:       rule.Attribute,
		IdleBefore:      now.Add(-rule.IdleFor),
		IncludeTerminal: !rule.NonTerminalOnly,
		ExcludeState:    rule.EmitState,
		Limit:           rule.BatchLimit,
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("find idle objects: %w", err)
	}

	res := SweepResult{Candidates: len(candidates)}
	var result *multierror.Error
	for _, c := range candidates {
		created, err := s.infer(ctx, rule, c, now)
		switch {
		case err != nil:
			res.Skipped++
			result = multierror.Append(result, fmt.Errorf("object %s: %w", c.Key, err))
		case created:
			res.Created++
		default:
			res.Skipped++
		}
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
	}

	if res.Candidates > 0 {
		slog.Info("[Inference] Sweep complete",
			"rule", rule.ID,
			"service", rule.ServiceID,
			"object_type", rule.ObjectType,
			"candidates", res.Candidates,
			"created", res.Created,
			"skipped", res.Skipped)
	}
	return res, result.ErrorOrNil()
}

func (s *Service) infer(ctx context.Context, rule transition.InferenceRule, c transition.ObjectSnapshot, now time.Time) (bool, error) {
	snap := c.Snapshot
	inferredTs := snap.LastEventTs.Add(rule.IdleFor).UTC()
	if inferredTs.After(now) {
		return false, nil
	}
	// Re-emitting the state the object already has would fire nothing and only
	// restart the idle clock.
	if snap.LastState == rule.EmitState {
		return false, nil
	}

	rec := transition.SyntheticTerminalRecord{
		ServiceID:          c.Key.ServiceID,
		ObjectType:         c.Key.ObjectType,
		ObjectID:           c.Key.ObjectID,
		Attribute:          c.Key.Attribute,
		RuleID:             rule.ID,
		SyntheticEventID:   SyntheticEventID(rule, c.Key.ObjectID, inferredTs),
		SyntheticTs:        inferredTs,
		SyntheticState:     rule.EmitState,
		EmitServiceID:      rule.EmitServiceID,
		Reason:             rule.Reason,
		Origin:             transition.OriginInference,
		Status:             transition.StatusActive,
		LastEventTs:        snap.LastEventTs,
		LastState:          snap.LastState,
		PriorTerminalState: snap.TerminalState,
	}

	var result evaluator.Result
	var created bool
	err := s.eval.Do(c.Key, func(obj evaluator.Object) error {
		var err error
		result, created, err = s.apply(ctx, obj, rec, now)
		return err
	})
	if err != nil || !created {
		return false, err
	}

	s.metrics.SyntheticCreated(rule.ID)
	slog.Debug("[Inference] Synthetic terminal created",
		"rule", rule.ID,
		"object", c.Key.String(),
		"synthetic_event_id", rec.SyntheticEventID,
		"synthetic_ts", inferredTs,
		"postings", len(result.Postings))
	return true, nil
}

// apply inserts rec and evaluates its synthetic event. The footprint is recorded
// before the snapshot is written, so an applied record always carries what it
// counted. A record left ACTIVE by a failed earlier attempt is evaluated again.
func (s *Service) apply(ctx context.Context, obj evaluator.Object, rec transition.SyntheticTerminalRecord, now time.Time) (evaluator.Result, bool, error) {
	inserted, err := s.synthetic.InsertSyntheticIfUnchanged(ctx, rec, rec.LastEventTs)
	if err != nil {
		return evaluator.Result{}, false, fmt.Errorf("insert synthetic record: %w", err)
	}
	if !inserted {
		pending, err := s.pending(ctx, rec)
		if err != nil || !pending {
			return evaluator.Result{}, false, err
		}
		slog.Warn("[Inference] Resuming synthetic record that was never applied",
			"synthetic_event_id", rec.SyntheticEventID, "object", rec.ObjectKey().String())
	}

	result, err := obj.Evaluate(ctx, evaluator.StateChange{
		ServiceID:  rec.ServiceID,
		EventID:    rec.SyntheticEventID,
		EventTs:    rec.SyntheticTs,
		ObjectType: rec.ObjectType,
		ObjectID:   rec.ObjectID,
		Attribute:  rec.Attribute,
		NewState:   rec.SyntheticState,
	},
		evaluator.Synthetic(),
		evaluator.WithPostingService(rec.EmitServiceID),
		evaluator.RequireLastEventTs(rec.LastEventTs),
		evaluator.WithFootprintRecorder(func(ctx context.Context, res evaluator.Result) error {
			return s.synthetic.RecordFootprint(ctx, rec.SyntheticEventID, res.Footprint, res.SeenStateAdded)
		}),
	)
	if errors.Is(err, evaluator.ErrStaleSnapshot) {
		if !inserted {
			// The snapshot moved; whoever moved it settled the record.
			return evaluator.Result{}, false, nil
		}
		// Another process won the race after the insert. Retire the record, it caused nothing.
		if _, err := s.synthetic.RetireSynthetic(ctx, rec.SyntheticEventID, "", now); err != nil {
			return evaluator.Result{}, false, fmt.Errorf("retire stale synthetic record: %w", err)
		}
		slog.Debug("[Inference] Object updated during inference, synthetic record retired",
			"synthetic_event_id", rec.SyntheticEventID)
		return evaluator.Result{}, false, nil
	}
	if err != nil {
		return evaluator.Result{}, false, fmt.Errorf("evaluate synthetic event %s: %w", rec.SyntheticEventID, err)
	}
	return result, true, nil
}

// pending reports whether rec already exists as an ACTIVE record. Its candidate
// still carries the lastEventTs rec observed, so the earlier attempt never
// reached the snapshot.
func (s *Service) pending(ctx context.Context, rec transition.SyntheticTerminalRecord) (bool, error) {
	active, err := s.synthetic.ListActiveSynthetic(ctx, rec.ObjectKey())
	if err != nil {
		return false, fmt.Errorf("list synthetic records: %w", err)
	}
	for _, r := range active {
		if r.SyntheticEventID == rec.SyntheticEventID {
			return true, nil
		}
	}
	return false, nil
}
