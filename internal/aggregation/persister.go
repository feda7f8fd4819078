package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 50 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
)

// RetryPolicy bounds persistence retries by attempt count, not wall-clock time.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	n := p
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = defaultMaxAttempts
	}
	if n.InitialBackoff <= 0 {
		n.InitialBackoff = defaultInitialBackoff
	}
	if n.MaxBackoff <= 0 {
		n.MaxBackoff = defaultMaxBackoff
	}
	if n.MaxBackoff < n.InitialBackoff {
		n.MaxBackoff = n.InitialBackoff
	}
	return n
}

// Persister applies posting batches to the rollup store, retrying transient
// write-write conflicts with capped exponential backoff plus jitter.
type Persister struct {
	store         storage.RollupStore
	granularities []transition.Granularity
	policy        RetryPolicy
	metrics       *telemetry.Metrics
}

// NewPersister creates a persister rolling postings up to granularities.
func NewPersister(store storage.RollupStore, granularities []transition.Granularity, policy RetryPolicy, metrics *telemetry.Metrics) *Persister {
	return &Persister{
		store:         store,
		granularities: transition.SortGranularities(granularities),
		policy:        policy.normalized(),
		metrics:       metrics,
	}
}

// Persist applies one batch and returns the number of postings newly applied.
// Non-retryable errors return immediately; retryable ones are retried until the
// attempt limit, after which the last error is returned.
func (p *Persister) Persist(ctx context.Context, postings []transition.Posting) (int, error) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.InitialBackoff
	b.MaxInterval = p.policy.MaxBackoff
	b.MaxElapsedTime = 0

	var (
		applied  int
		attempts int
	)
	op := func() error {
		attempts++
		n, err := p.store.ApplyPostings(ctx, postings, p.granularities)
		if err == nil {
			applied = n
			return nil
		}
		if !storage.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.metrics.PersistRetry()
		slog.Warn("[Persister] Transient storage conflict, retrying",
			"attempt", attempts,
			"max_attempts", p.policy.MaxAttempts,
			"backoff", wait,
			"postings", len(postings),
			"error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.policy.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)

	p.metrics.RecordBatch(applied, len(postings)-applied, time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("persist %d postings after %d attempt(s): %w", len(postings), attempts, err)
	}
	return applied, nil
}
