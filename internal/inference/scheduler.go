package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

const defaultInterval = time.Minute

// Scheduler runs inference sweeps on a fixed interval.
type Scheduler struct {
	service  *Service
	clock    quartz.Clock
	interval time.Duration
}

// NewScheduler creates a scheduler. A nil clock uses the real clock.
func NewScheduler(service *Service, clock quartz.Clock, interval time.Duration) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{service: service, clock: clock, interval: interval}
}

// Start blocks, sweeping once immediately and then on every tick, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[InferenceScheduler] Starting",
		"interval", s.interval,
		"rules", len(s.service.rules.InferenceRules()))

	s.run(ctx)
	for {
		select {
		case <-ticker.C:
			s.run(ctx)
		case <-ctx.Done():
			slog.Info("[InferenceScheduler] Stopping (context cancelled)")
			return nil
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	start := s.clock.Now()
	res, err := s.service.Sweep(ctx)
	if err != nil {
		slog.Error("[InferenceScheduler] Sweep finished with errors",
			"candidates", res.Candidates,
			"created", res.Created,
			"error", err)
		return
	}
	slog.Debug("[InferenceScheduler] Sweep finished",
		"candidates", res.Candidates,
		"created", res.Created,
		"duration", s.clock.Since(start))
}
