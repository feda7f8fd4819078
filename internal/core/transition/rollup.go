package transition

import (
	"sort"
	"time"
)

// RollupKey identifies one persisted counter cell.
type RollupKey struct {
	BucketStart time.Time
	Granularity string
	Key         TransitionKey
}

// RollupDelta is the summed contribution of a set of postings to one counter cell.
type RollupDelta struct {
	RollupKey
	Delta int64
}

// RollUp sums posting deltas per (bucket-aligned timestamp, TransitionKey) for every
// granularity independently. A posting lands in exactly one bucket per granularity.
// Cells whose deltas cancel out are dropped. The result is ordered by granularity,
// bucket start and key.
func RollUp(postings []Posting, granularities []Granularity) []RollupDelta {
	sums := make(map[RollupKey]int64)
	for _, p := range postings {
		for _, g := range granularities {
			k := RollupKey{
				BucketStart: BucketFor(p.Timestamp, g),
				Granularity: g.Label,
				Key:         p.Key,
			}
			sums[k] += p.Delta
		}
	}

	out := make([]RollupDelta, 0, len(sums))
	for k, v := range sums {
		if v == 0 {
			continue
		}
		out = append(out, RollupDelta{RollupKey: k, Delta: v})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Granularity != b.Granularity {
			return a.Granularity < b.Granularity
		}
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		return a.Key.Less(b.Key)
	})
	return out
}
