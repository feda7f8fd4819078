// Package posting turns evaluator decisions into idempotent counter postings.
package posting

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aevon-lab/transitions/internal/core/transition"
)

// namespace scopes posting ids so they never collide with other UUIDv5 ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:transitions:posting"))

// IDFactory derives deterministic posting ids.
//
// The id is a UUIDv5 over (sourceEventID, key.DedupKey(), sign(delta), bucket start).
// The bucket is aligned to the base granularity, so re-posting the same event
// decision always yields the same id.
type IDFactory struct {
	base transition.Granularity
}

// NewIDFactory creates a factory aligning timestamps to base.
func NewIDFactory(base transition.Granularity) *IDFactory {
	return &IDFactory{base: base}
}

// ID returns the posting id of one contribution.
func (f *IDFactory) ID(sourceEventID string, key transition.TransitionKey, delta int64, ts time.Time) string {
	bucket := transition.BucketFor(ts, f.base)
	name := strings.Join([]string{
		sourceEventID,
		key.DedupKey(),
		strconv.Itoa(sign(delta)),
		strconv.FormatInt(bucket.UnixNano(), 10),
	}, "\x1e")
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// New builds a posting with its id filled in.
func (f *IDFactory) New(sourceEventID string, key transition.TransitionKey, ts time.Time, delta int64) transition.Posting {
	return transition.Posting{
		ID:            f.ID(sourceEventID, key, delta, ts),
		SourceEventID: sourceEventID,
		Key:           key,
		Timestamp:     ts.UTC(),
		Delta:         delta,
	}
}

func sign(d int64) int {
	switch {
	case d > 0:
		return 1
	case d < 0:
		return -1
	}
	return 0
}
