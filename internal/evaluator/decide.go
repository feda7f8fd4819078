package evaluator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/transitions/internal/core/seenstate"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

// decide computes the postings and next snapshot of one change without side
// effects beyond seen-state code allocation.
func (e *Evaluator) decide(
	ctx context.Context,
	svc *transition.ServiceRules,
	change StateChange,
	prev *transition.Snapshot,
	o evalOptions,
) (Result, error) {
	scope := change.ObjectKey().Scope()
	res := Result{Previous: prev}

	lastFrom := transition.NoPriorState
	priorTerminal := ""
	seen := seenstate.NewSet()
	if prev != nil {
		if prev.LastState != "" {
			lastFrom = prev.LastState
		}
		priorTerminal = prev.TerminalState
		var err error
		if seen, err = e.loadSeen(ctx, scope, *prev); err != nil {
			return Result{}, err
		}
		res.SameState = prev.LastState == change.NewState
	}

	terminalState := priorTerminal
	if terminalState == "" && svc.IsTerminal(change.ObjectType, change.Attribute, change.NewState) {
		terminalState = change.NewState
	}

	if !res.SameState {
		fc := fromContext{
			svc:       svc,
			scope:     scope,
			lastFrom:  lastFrom,
			firstSeen: prev == nil || prev.LastState == "",
			seen:      seen,
		}
		emit := func(counter string, froms []string, to string) {
			if len(froms) == 0 {
				return
			}
			for _, from := range froms {
				key := transition.TransitionKey{
					ServiceID:  o.postingService,
					ObjectType: change.ObjectType,
					Attribute:  change.Attribute,
					Counter:    counter,
					FromState:  from,
					ToState:    to,
				}
				res.Postings = append(res.Postings, e.ids.New(change.EventID, key, change.EventTs, 1))
			}
			res.Footprint = append(res.Footprint, transition.FootprintEntry{
				Counter:    counter,
				FromStates: append([]string(nil), froms...),
				ToState:    to,
			})
		}

		emit(transition.RawCounter, []string{lastFrom}, change.NewState)

		for _, def := range svc.CountersFor(change.ObjectType, change.Attribute) {
			var to string
			switch {
			case def.UntilTerminal:
				if terminalState != "" {
					continue
				}
				to = transition.OpenState
			case def.ToState == change.NewState:
				to = change.NewState
			default:
				continue
			}
			froms, err := e.fromSet(ctx, fc, def)
			if err != nil {
				return Result{}, err
			}
			emit(def.Name, froms, to)
		}
	}

	added, err := e.addSeen(ctx, svc, scope, seen, change.NewState)
	if err != nil {
		return Result{}, err
	}
	res.SeenStateAdded = added

	res.Snapshot = transition.Snapshot{
		LastState:     change.NewState,
		LastEventTs:   change.EventTs.UTC(),
		TerminalState: terminalState,
	}
	if res.Snapshot.SeenStates, err = e.codec.Decode(ctx, scope, seen); err != nil {
		return Result{}, err
	}
	if res.Snapshot.SeenBits, err = seen.MarshalBinary(); err != nil {
		return Result{}, fmt.Errorf("encode seen states: %w", err)
	}
	return res, nil
}

type fromContext struct {
	svc       *transition.ServiceRules
	scope     transition.Scope
	lastFrom  string
	firstSeen bool
	seen      *seenstate.Set // as it was before this event
}

func (e *Evaluator) fromSet(ctx context.Context, fc fromContext, def transition.CounterDefinition) ([]string, error) {
	switch def.FromMode {
	case transition.FromAnySeen:
		ids := fc.seen.IDs()
		if limit := fc.svc.FanOutCap; limit > 0 && len(ids) > limit {
			slog.Warn("[Evaluator] ANY_SEEN fan-out capped",
				"service", fc.scope.ServiceID,
				"object_type", fc.scope.ObjectType,
				"counter", def.Name,
				"seen_states", len(ids),
				"cap", limit)
			e.metrics.FanOutTruncated(fc.scope.ServiceID, def.Name)
			truncated := seenstate.NewSet()
			for _, id := range ids[:limit] {
				truncated.Add(id)
			}
			return e.codec.Decode(ctx, fc.scope, truncated)
		}
		return e.codec.Decode(ctx, fc.scope, fc.seen)

	case transition.FromSubset:
		var out []string
		for _, st := range def.FromStates {
			if st == transition.NoPriorState {
				if fc.firstSeen {
					out = append(out, st)
				}
				continue
			}
			id, ok, err := e.codec.Resolve(ctx, fc.scope, st)
			if err != nil {
				return nil, err
			}
			if ok && fc.seen.Has(id) {
				out = append(out, st)
			}
		}
		return out, nil

	default:
		return []string{fc.lastFrom}, nil
	}
}

// addSeen records state in seen unless the set is at its cap and state is new.
// A cap of zero disables the limit.
func (e *Evaluator) addSeen(ctx context.Context, svc *transition.ServiceRules, scope transition.Scope, seen *seenstate.Set, state string) (bool, error) {
	if id, ok := e.codec.Lookup(scope, state); ok && seen.Has(id) {
		return false, nil
	}
	if limit := svc.SeenStateCap; limit > 0 && seen.Len() >= limit {
		slog.Warn("[Evaluator] Seen-state cap reached, state not recorded",
			"service", scope.ServiceID,
			"object_type", scope.ObjectType,
			"attribute", scope.Attribute,
			"state", state,
			"cap", limit)
		e.metrics.SeenStateCapReached(scope.ServiceID)
		return false, nil
	}
	id, err := e.codec.ToID(ctx, scope, state)
	if err != nil {
		return false, fmt.Errorf("allocate state code: %w", err)
	}
	return seen.Add(id), nil
}
