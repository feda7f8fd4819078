package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/aevon-lab/transitions/internal/core/transition"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBatchSize     = 500
	shutdownFlushTimeout = 30 * time.Second
)

// Submitter accepts persist jobs.
type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// FlushService periodically drains completed epochs from the buffer into
// bounded-size persist jobs. It never flushes the still-filling current bucket,
// so a count becomes visible after at most two bucket widths plus one interval.
type FlushService struct {
	buffer    *Buffer
	submitter Submitter
	clock     quartz.Clock
	interval  time.Duration
	batchSize int
}

// NewFlushService creates a flush service. A nil clock uses the real clock.
func NewFlushService(buffer *Buffer, submitter Submitter, clock quartz.Clock, interval time.Duration, batchSize int) *FlushService {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &FlushService{
		buffer:    buffer,
		submitter: submitter,
		clock:     clock,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs sweeps until ctx is cancelled, then flushes everything left,
// including the current bucket.
func (f *FlushService) Start(ctx context.Context) error {
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	slog.Info("[FlushService] Starting",
		"interval", f.interval,
		"granularity", f.buffer.Granularity().Label,
		"batch_size", f.batchSize,
	)

	f.sweepLogged(ctx)

	for {
		select {
		case <-ticker.C:
			f.sweepLogged(ctx)
		case <-ctx.Done():
			slog.Info("[FlushService] Stopping (context cancelled), running final flush")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			defer cancel()

			n, err := f.FlushAll(shutdownCtx)
			if err != nil {
				slog.Error("[FlushService] Final flush incomplete", "submitted", n, "error", err)
				return err
			}
			slog.Info("[FlushService] Final flush complete", "postings", n)
			return nil
		}
	}
}

// Cutoff is the newest epoch a sweep at now may flush: the current bucket minus one width.
func (f *FlushService) Cutoff(now time.Time) time.Time {
	g := f.buffer.Granularity()
	return transition.BucketFor(now, g).Add(-g.Size)
}

// Sweep flushes every epoch at or before the cutoff and prunes the buffer.
// Returns the number of postings submitted.
func (f *FlushService) Sweep(ctx context.Context) (int, error) {
	return f.flushUpTo(ctx, f.Cutoff(f.clock.Now()))
}

// FlushAll flushes every buffered epoch, including the current one.
func (f *FlushService) FlushAll(ctx context.Context) (int, error) {
	return f.flushUpTo(ctx, time.Unix(1<<62, 0))
}

func (f *FlushService) flushUpTo(ctx context.Context, cutoff time.Time) (int, error) {
	postings := f.buffer.TakeReady(cutoff)
	defer f.buffer.Prune()

	if len(postings) == 0 {
		return 0, nil
	}

	batches := f.chunk(postings)
	submitted := 0
	for i, job := range batches {
		if err := f.submitter.Submit(ctx, job); err != nil {
			for _, rest := range batches[i:] {
				f.buffer.Release(rest.Postings)
			}
			return submitted, fmt.Errorf("submit batch for epoch %s: %w", job.Epoch, err)
		}
		submitted += len(job.Postings)
	}

	slog.Debug("[FlushService] Sweep submitted",
		"cutoff", cutoff,
		"postings", submitted,
		"batches", len(batches))
	return submitted, nil
}

// chunk splits postings (ordered by epoch) into per-epoch batches of at most batchSize.
func (f *FlushService) chunk(postings []transition.Posting) []Job {
	g := f.buffer.Granularity()
	var (
		jobs    []Job
		current Job
		epoch   time.Time
	)
	for _, p := range postings {
		e := transition.BucketFor(p.Timestamp, g)
		if len(current.Postings) > 0 && (!e.Equal(epoch) || len(current.Postings) >= f.batchSize) {
			jobs = append(jobs, current)
			current = Job{}
		}
		if len(current.Postings) == 0 {
			epoch = e
			current.Epoch = e.Format(time.RFC3339)
		}
		current.Postings = append(current.Postings, p)
	}
	if len(current.Postings) > 0 {
		jobs = append(jobs, current)
	}
	return jobs
}

func (f *FlushService) sweepLogged(ctx context.Context) {
	if _, err := f.Sweep(ctx); err != nil {
		slog.Error("[FlushService] Sweep failed", "error", err)
	}
}
