// Package engine wires the transition pipeline: evaluator, supersede handling,
// the in-memory buffer with its flush and persist workers, and inference.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/aevon-lab/transitions/internal/aggregation"
	"github.com/aevon-lab/transitions/internal/core/config"
	"github.com/aevon-lab/transitions/internal/core/seenstate"
	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
	"github.com/aevon-lab/transitions/internal/evaluator"
	"github.com/aevon-lab/transitions/internal/inference"
	"github.com/aevon-lab/transitions/internal/posting"
	"github.com/aevon-lab/transitions/internal/supersede"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

// Stores are the systems of record the engine reads and writes.
type Stores struct {
	Snapshots storage.SnapshotStore
	Codes     storage.CodeStore
	Rollups   storage.RollupStore
	Synthetic storage.SyntheticStore
}

// Options are the tunables of one engine instance.
type Options struct {
	Rules             *transition.RuleSet
	BufferGranularity transition.Granularity
	Granularities     []transition.Granularity
	FlushInterval     time.Duration
	BatchSize         int
	Workers           int
	QueueSize         int
	Retry             aggregation.RetryPolicy
	ConflictRetries   int
	InferenceEnabled  bool
	InferenceInterval time.Duration
	Clock             quartz.Clock
	Metrics           *telemetry.Metrics
}

// OptionsFromConfig maps a validated config onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Transitions
	return Options{
		Rules:             cfg.Rules,
		BufferGranularity: cfg.Runtime.BufferGranularity,
		Granularities:     cfg.Runtime.Granularities,
		FlushInterval:     cfg.Runtime.FlushInterval,
		BatchSize:         t.BatchSize,
		Workers:           t.WorkerCount,
		QueueSize:         t.QueueSize,
		Retry: aggregation.RetryPolicy{
			MaxAttempts:    t.PersistMaxAttempts,
			InitialBackoff: cfg.Runtime.PersistInitialBackoff,
			MaxBackoff:     cfg.Runtime.PersistMaxBackoff,
		},
		ConflictRetries:   t.SnapshotConflictRetries,
		InferenceEnabled:  cfg.Inference.Enabled,
		InferenceInterval: cfg.Runtime.InferenceInterval,
	}
}

// Engine owns the running pipeline.
type Engine struct {
	opts      Options
	buffer    *aggregation.Buffer
	executor  *aggregation.PersistExecutor
	flush     *aggregation.FlushService
	eval      *evaluator.Evaluator
	supersede *supersede.Service
	inference *inference.Service
	scheduler *inference.Scheduler

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds the engine and loads the seen-state codes. Nothing runs until Start.
func New(ctx context.Context, stores Stores, opts Options) (*Engine, error) {
	if opts.Rules == nil {
		rules, err := transition.NewRuleSet(nil)
		if err != nil {
			return nil, err
		}
		opts.Rules = rules
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if len(opts.Granularities) == 0 {
		opts.Granularities = []transition.Granularity{opts.BufferGranularity}
	}

	codec := seenstate.NewCodec(stores.Codes)
	if err := codec.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load state codes: %w", err)
	}

	ids := posting.NewIDFactory(opts.BufferGranularity)
	buffer := aggregation.NewBuffer(opts.BufferGranularity, 0, opts.Metrics)
	persister := aggregation.NewPersister(stores.Rollups, opts.Granularities, opts.Retry, opts.Metrics)
	executor := aggregation.NewPersistExecutor(persister, buffer, opts.Workers, opts.QueueSize, opts.Metrics)

	eval := evaluator.New(evaluator.Config{
		Rules:           opts.Rules,
		Snapshots:       stores.Snapshots,
		Codec:           codec,
		IDs:             ids,
		Sink:            buffer,
		ConflictRetries: opts.ConflictRetries,
		Metrics:         opts.Metrics,
	})

	e := &Engine{
		opts:     opts,
		buffer:   buffer,
		executor: executor,
		flush:    aggregation.NewFlushService(buffer, executor, opts.Clock, opts.FlushInterval, opts.BatchSize),
		eval:     eval,
		supersede: supersede.NewService(supersede.Config{
			Rules:     opts.Rules,
			Synthetic: stores.Synthetic,
			Evaluator: eval,
			IDs:       ids,
			Sink:      buffer,
			Clock:     opts.Clock,
			Metrics:   opts.Metrics,
		}),
		inference: inference.NewService(inference.Config{
			Rules:     opts.Rules,
			Snapshots: stores.Snapshots,
			Synthetic: stores.Synthetic,
			Evaluator: eval,
			Clock:     opts.Clock,
			Metrics:   opts.Metrics,
		}),
	}
	if opts.InferenceEnabled {
		e.scheduler = inference.NewScheduler(e.inference, opts.Clock, opts.InferenceInterval)
	}

	slog.Info("[Engine] Initialized",
		"services", len(opts.Rules.Services()),
		"inference_rules", len(opts.Rules.InferenceRules()),
		"buffer_granularity", opts.BufferGranularity.Label,
		"granularities", labels(opts.Granularities),
		"inference_enabled", opts.InferenceEnabled)
	return e, nil
}

// Handler is the entry point for real state changes.
func (e *Engine) Handler() *supersede.Service { return e.supersede }

// Inference exposes the inference service for on-demand sweeps.
func (e *Engine) Inference() *inference.Service { return e.inference }

// Buffer exposes the transition buffer.
func (e *Engine) Buffer() *aggregation.Buffer { return e.buffer }

// Flush exposes the flush service.
func (e *Engine) Flush() *aggregation.FlushService { return e.flush }

// Start launches the persist workers, the flush loop and, when enabled, the
// inference scheduler. They run until ctx is cancelled or Shutdown is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.executor.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.flush.Start(gctx) })
	if e.scheduler != nil {
		g.Go(func() error { return e.scheduler.Start(gctx) })
	}
	e.group = g
}

// Shutdown stops the loops, waits for the final flush, drains the persist queue
// and stops the workers. Postings still unpersisted when ctx ends stay lost.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.group == nil {
		return nil
	}
	slog.Info("[Engine] Shutting down", "pending_postings", e.buffer.Pending())
	e.cancel()

	loopErr := e.group.Wait()
	drainErr := e.executor.WaitForDrain(ctx)
	e.executor.Close()
	e.group = nil

	if loopErr != nil {
		return fmt.Errorf("final flush: %w", loopErr)
	}
	if drainErr != nil {
		slog.Warn("[Engine] Persist queue not drained before deadline",
			"pending_postings", e.buffer.Pending(),
			"error", drainErr)
		return fmt.Errorf("drain persist queue: %w", drainErr)
	}
	slog.Info("[Engine] Shutdown complete", "pending_postings", e.buffer.Pending())
	return nil
}

func labels(gs []transition.Granularity) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.Label
	}
	return out
}
