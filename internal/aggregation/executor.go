package aggregation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

const (
	defaultWorkerCount = 4
	defaultQueueSize   = 64
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("persist executor closed")

// Job is one batch of postings taken from the buffer.
type Job struct {
	Epoch    string
	Postings []transition.Posting
}

// BatchPersister applies one batch durably.
type BatchPersister interface {
	Persist(ctx context.Context, postings []transition.Posting) (int, error)
}

// PersistExecutor is a bounded job queue feeding a fixed pool of workers.
// Submit blocks while the queue is full. On success a worker acks exactly the
// persisted postings in the buffer; on failure it releases them for the next sweep.
type PersistExecutor struct {
	persister BatchPersister
	buffer    *Buffer
	workers   int
	metrics   *telemetry.Metrics

	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	submitMu sync.RWMutex
	closed   bool

	mu      sync.Mutex
	pending int
	waiters []chan struct{}
}

// NewPersistExecutor creates an executor. Call Start before submitting.
func NewPersistExecutor(persister BatchPersister, buffer *Buffer, workers, queueSize int, metrics *telemetry.Metrics) *PersistExecutor {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PersistExecutor{
		persister: persister,
		buffer:    buffer,
		workers:   workers,
		metrics:   metrics,
		jobs:      make(chan Job, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker pool.
func (e *PersistExecutor) Start() {
	e.wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go e.worker(i)
	}
	slog.Info("[PersistExecutor] Started", "workers", e.workers, "queue_size", cap(e.jobs))
}

// Submit enqueues a job, blocking while the queue is full.
// Returns ctx.Err() if ctx is cancelled first; the job is then not enqueued.
func (e *PersistExecutor) Submit(ctx context.Context, job Job) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}

	e.track(1)
	select {
	case e.jobs <- job:
		return nil
	case <-ctx.Done():
		e.track(-1)
		return ctx.Err()
	}
}

// WaitForDrain blocks until every submitted job has completed, or ctx ends.
func (e *PersistExecutor) WaitForDrain(ctx context.Context) error {
	e.mu.Lock()
	if e.pending == 0 {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, lets workers finish the queued ones and waits for them.
func (e *PersistExecutor) Close() {
	e.submitMu.Lock()
	if e.closed {
		e.submitMu.Unlock()
		return
	}
	e.closed = true
	close(e.jobs)
	e.submitMu.Unlock()

	e.wg.Wait()
	e.cancel()
	slog.Info("[PersistExecutor] Stopped")
}

func (e *PersistExecutor) worker(id int) {
	defer e.wg.Done()
	for job := range e.jobs {
		e.run(id, job)
	}
}

func (e *PersistExecutor) run(id int, job Job) {
	defer e.track(-1)

	applied, err := e.persister.Persist(e.ctx, job.Postings)
	if err != nil {
		e.buffer.Release(job.Postings)
		slog.Error("[PersistExecutor] Batch failed, postings kept for next sweep",
			"worker", id,
			"epoch", job.Epoch,
			"postings", len(job.Postings),
			"error", err)
		return
	}

	// Duplicates were applied by an earlier delivery, so they are acked as well.
	e.buffer.Ack(job.Postings)
	slog.Debug("[PersistExecutor] Batch persisted",
		"worker", id,
		"epoch", job.Epoch,
		"postings", len(job.Postings),
		"applied", applied)
}

func (e *PersistExecutor) track(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending += delta
	e.metrics.SetQueueDepth(e.pending)
	if e.pending == 0 {
		for _, ch := range e.waiters {
			close(ch)
		}
		e.waiters = nil
	}
}
