package transition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRollUp_RealignsToEveryGranularity(t *testing.T) {
	key := TransitionKey{ServiceID: "svc", ObjectType: "UserProfile", Attribute: "status", Counter: "activated", FromState: "TRIAL", ToState: "ACTIVE"}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	postings := []Posting{
		{ID: "p1", Key: key, Timestamp: base.Add(2 * time.Second), Delta: 1},
		{ID: "p2", Key: key, Timestamp: base.Add(7 * time.Second), Delta: 1},
		{ID: "p3", Key: key, Timestamp: base.Add(61 * time.Second), Delta: 1},
	}
	gs := []Granularity{NewGranularity(5 * time.Second), NewGranularity(time.Minute), NewGranularity(time.Hour)}

	deltas := RollUp(postings, gs)

	byCell := make(map[RollupKey]int64)
	for _, d := range deltas {
		byCell[d.RollupKey] = d.Delta
	}

	require.Equal(t, int64(1), byCell[RollupKey{BucketStart: base, Granularity: "5s", Key: key}])
	require.Equal(t, int64(1), byCell[RollupKey{BucketStart: base.Add(5 * time.Second), Granularity: "5s", Key: key}])
	require.Equal(t, int64(1), byCell[RollupKey{BucketStart: base.Add(60 * time.Second), Granularity: "5s", Key: key}])
	require.Equal(t, int64(2), byCell[RollupKey{BucketStart: base, Granularity: "1m", Key: key}])
	require.Equal(t, int64(1), byCell[RollupKey{BucketStart: base.Add(time.Minute), Granularity: "1m", Key: key}])
	require.Equal(t, int64(3), byCell[RollupKey{BucketStart: base, Granularity: "1h", Key: key}])
	require.Len(t, deltas, 6)
}

func TestRollUp_CancellingDeltasAreDropped(t *testing.T) {
	key := TransitionKey{ServiceID: "svc", ObjectType: "Order", Attribute: "status", Counter: RawCounter, FromState: "OPEN", ToState: "EXPIRED"}
	ts := time.Date(2026, 3, 1, 10, 0, 3, 0, time.UTC)

	deltas := RollUp([]Posting{
		{ID: "fwd", Key: key, Timestamp: ts, Delta: 1},
		{ID: "rev", Key: key, Timestamp: ts, Delta: -1},
	}, []Granularity{NewGranularity(time.Minute)})

	require.Empty(t, deltas)
}

func TestRollUp_IsOrdered(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := TransitionKey{ServiceID: "a", Counter: "c"}
	b := TransitionKey{ServiceID: "b", Counter: "c"}

	deltas := RollUp([]Posting{
		{Key: b, Timestamp: ts, Delta: 1},
		{Key: a, Timestamp: ts, Delta: 1},
	}, []Granularity{NewGranularity(time.Minute)})

	require.Len(t, deltas, 2)
	require.Equal(t, "a", deltas[0].Key.ServiceID)
	require.Equal(t, "b", deltas[1].Key.ServiceID)
}
