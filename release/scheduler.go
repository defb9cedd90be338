package release

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Runner is one batch pass; both the releaser and the reaper satisfy it
// through small adapters.
type Runner interface {
	RunOnce(ctx context.Context) (Stats, error)
}

// Scheduler invokes a Runner on a jittered interval until the context is
// cancelled. The jitter keeps replicas started together from hammering the
// claim query in lock-step.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(runner Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run blocks until ctx is cancelled. Each pass waits the configured
// interval plus or minus twenty percent.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := s.runner.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled pass failed", "error", err)
		}
		timer.Reset(s.next())
	}
}

func (s *Scheduler) next() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(s.interval) * 2 / 5))
	return s.interval*4/5 + jitter
}
