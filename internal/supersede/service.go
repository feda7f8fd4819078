// Package supersede retracts inferred terminal transitions once the object
// reports a real terminal state.
package supersede

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coder/quartz"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/evaluator"
	"github.com/aevon-lab/transitions/internal/posting"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

// ReverseEventPrefix marks the source event id of reversal postings.
const ReverseEventPrefix = "reverse:"

// Evaluator is the part of the transition evaluator supersede needs. The whole
// handoff of one change runs under the object's evaluation lock.
type Evaluator interface {
	Do(key transition.ObjectKey, fn func(evaluator.Object) error) error
}

// Config wires a Service.
type Config struct {
	Rules     *transition.RuleSet
	Synthetic storage.SyntheticStore
	Evaluator Evaluator
	IDs       *posting.IDFactory
	Sink      posting.Sink
	Clock     quartz.Clock
	Metrics   *telemetry.Metrics
}

// Service is the entry point for real state changes.
type Service struct {
	rules     *transition.RuleSet
	synthetic storage.SyntheticStore
	eval      Evaluator
	ids       *posting.IDFactory
	sink      posting.Sink
	clock     quartz.Clock
	metrics   *telemetry.Metrics
}

// Outcome is what Handle did for one change.
type Outcome struct {
	Superseded []string
	Result     evaluator.Result
}

// NewService creates a supersede service. A nil clock uses the real clock.
func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Service{
		rules:     cfg.Rules,
		synthetic: cfg.Synthetic,
		eval:      cfg.Evaluator,
		ids:       cfg.IDs,
		sink:      cfg.Sink,
		clock:     clock,
		metrics:   cfg.Metrics,
	}
}

// Handle processes one real state change. When it reports a terminal state and
// the object has ACTIVE synthetic terminals created by inference, each one is
// superseded and its footprint reversed before the change is evaluated, so the
// counters end up as if the synthetic event had never happened.
//
// Every step of the handoff is safe to repeat: a change retried after a failure
// finishes whatever the previous attempt left behind before it is evaluated.
func (s *Service) Handle(ctx context.Context, change evaluator.StateChange) (Outcome, error) {
	var out Outcome
	err := s.eval.Do(change.ObjectKey(), func(obj evaluator.Object) error {
		if s.tracksSynthetic(change) {
			superseded, err := s.settle(ctx, obj, change)
			out.Superseded = superseded
			if err != nil {
				return err
			}
		}

		res, err := obj.Evaluate(ctx, change)
		if err != nil {
			return err
		}
		out.Result = res
		return nil
	})
	return out, err
}

func (s *Service) isTerminal(change evaluator.StateChange) bool {
	svc := s.rules.Service(change.ServiceID)
	return svc != nil && svc.IsTerminal(change.ObjectType, change.Attribute, change.NewState)
}

// tracksSynthetic reports whether the object may carry synthetic records that
// change has to settle first.
func (s *Service) tracksSynthetic(change evaluator.StateChange) bool {
	svc := s.rules.Service(change.ServiceID)
	if svc == nil {
		return false
	}
	return svc.IsTerminal(change.ObjectType, change.Attribute, change.NewState) ||
		svc.HasInference(change.ObjectType, change.Attribute)
}

// settle walks the object's unsettled inference records, newest first:
//   - SUPERSEDED without a reversal is finished.
//   - ACTIVE that never reached the snapshot is retired, since change moves the
//     snapshot and the synthetic evaluation can no longer apply.
//   - ACTIVE that did apply is superseded when change is terminal.
func (s *Service) settle(ctx context.Context, obj evaluator.Object, change evaluator.StateChange) ([]string, error) {
	records, err := s.synthetic.ListUnsettledSynthetic(ctx, change.ObjectKey())
	if err != nil {
		return nil, fmt.Errorf("list synthetic records: %w", err)
	}
	terminal := s.isTerminal(change)

	var superseded []string
	for _, rec := range records {
		if rec.Origin != transition.OriginInference {
			continue
		}

		if rec.Status == transition.StatusSuperseded {
			slog.Info("[Supersede] Finishing interrupted reversal",
				"synthetic_event_id", rec.SyntheticEventID,
				"superseded_by", rec.SupersededByEventID,
				"event_id", change.EventID)
			if err := s.reverse(ctx, obj, rec, change); err != nil {
				return superseded, err
			}
			superseded = append(superseded, rec.SyntheticEventID)
			continue
		}

		snap, ok, err := obj.Snapshot(ctx)
		if err != nil {
			return superseded, err
		}
		switch {
		case !applied(rec, snap, ok):
			if err := s.retire(ctx, rec, change); err != nil {
				return superseded, err
			}
		case terminal:
			flipped, err := s.synthetic.MarkSuperseded(ctx, rec.SyntheticEventID, change.EventID, s.clock.Now().UTC())
			if err != nil {
				return superseded, fmt.Errorf("supersede %s: %w", rec.SyntheticEventID, err)
			}
			if !flipped {
				slog.Debug("[Supersede] Synthetic record already superseded",
					"synthetic_event_id", rec.SyntheticEventID)
				continue
			}
			if err := s.reverse(ctx, obj, rec, change); err != nil {
				return superseded, err
			}
			superseded = append(superseded, rec.SyntheticEventID)
		}
	}
	return superseded, nil
}

// applied reports whether rec's evaluation reached the snapshot. A synthetic
// evaluation only writes while the snapshot still holds the values rec observed,
// and any real event retires unapplied records before it moves the snapshot, so a
// snapshot that differs from those values means rec was applied.
func applied(rec transition.SyntheticTerminalRecord, snap transition.Snapshot, ok bool) bool {
	if !ok {
		return false
	}
	return !snap.LastEventTs.Equal(rec.LastEventTs) || snap.LastState != rec.LastState
}

func (s *Service) retire(ctx context.Context, rec transition.SyntheticTerminalRecord, change evaluator.StateChange) error {
	retired, err := s.synthetic.RetireSynthetic(ctx, rec.SyntheticEventID, change.EventID, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("retire %s: %w", rec.SyntheticEventID, err)
	}
	if retired {
		slog.Info("[Supersede] Retired synthetic record that never applied",
			"object", rec.ObjectKey().String(),
			"synthetic_event_id", rec.SyntheticEventID,
			"event_id", change.EventID)
	}
	return nil
}

// reverse restores the snapshot, posts the negated footprint and stamps the
// record reversed. Reversal ids are deterministic, so reposting after a partial
// failure is absorbed by the buffer and the dedup set.
func (s *Service) reverse(ctx context.Context, obj evaluator.Object, rec transition.SyntheticTerminalRecord, change evaluator.StateChange) error {
	restored, err := obj.Restore(ctx, rec)
	if err != nil {
		return fmt.Errorf("restore snapshot for %s: %w", rec.SyntheticEventID, err)
	}

	reversals := s.ids.FromFootprint(reversalScope(rec), rec.Footprint, ReverseEventPrefix+rec.SyntheticEventID, rec.SyntheticTs, -1)
	if len(reversals) > 0 {
		if err := s.sink.Post(ctx, reversals); err != nil {
			return fmt.Errorf("post reversals of %s: %w", rec.SyntheticEventID, err)
		}
		s.metrics.PostingsEmitted(evaluator.OriginReversal, len(reversals))
	}

	if err := s.synthetic.MarkReversed(ctx, rec.SyntheticEventID, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("mark %s reversed: %w", rec.SyntheticEventID, err)
	}

	s.metrics.Superseded(rec.ServiceID)
	slog.Info("[Supersede] Synthetic terminal superseded by real event",
		"object", rec.ObjectKey().String(),
		"synthetic_event_id", rec.SyntheticEventID,
		"event_id", change.EventID,
		"reversals", len(reversals),
		"snapshot_restored", restored)
	return nil
}

// reversalScope is the scope the synthetic postings were emitted under.
func reversalScope(rec transition.SyntheticTerminalRecord) transition.Scope {
	service := rec.EmitServiceID
	if service == "" {
		service = rec.ServiceID
	}
	return transition.Scope{ServiceID: service, ObjectType: rec.ObjectType, Attribute: rec.Attribute}
}
