package posting

import (
	"time"

	"github.com/aevon-lab/transitions/internal/core/transition"
)

// FromFootprint rebuilds the postings a footprint describes, one per
// (counter, from-state, to-state), each carrying delta.
// A negative delta with a distinct sourceEventID yields independently idempotent reversals.
func (f *IDFactory) FromFootprint(
	scope transition.Scope,
	footprint []transition.FootprintEntry,
	sourceEventID string,
	ts time.Time,
	delta int64,
) []transition.Posting {
	var out []transition.Posting
	for _, fe := range footprint {
		for _, from := range fe.FromStates {
			key := transition.TransitionKey{
				ServiceID:  scope.ServiceID,
				ObjectType: scope.ObjectType,
				Attribute:  scope.Attribute,
				Counter:    fe.Counter,
				FromState:  from,
				ToState:    fe.ToState,
			}
			out = append(out, f.New(sourceEventID, key, ts, delta))
		}
	}
	return out
}
