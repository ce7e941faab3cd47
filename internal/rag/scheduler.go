package rag

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
)

const DefaultInterval = 300 * time.Second

// Runner is the part of Pipeline the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (Stats, error)
}

// Scheduler runs the ingestion pipeline at startup and then on every tick.
// Runs happen on the scheduler goroutine, so they never overlap; ticks that
// fire during a long run are dropped by the ticker.
type Scheduler struct {
	runner   Runner
	Interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(runner Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{runner: runner, Interval: interval, logger: logging.OrNop(logger).Named("rag.scheduler")}
}

// Start blocks until ctx is cancelled. Launch it as a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("ingestion scheduler started", zap.Duration("interval", s.Interval))
	s.runOnce(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ingestion scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.Run(ctx); err != nil {
		s.logger.Error("ingestion run failed", zap.Error(err))
	}
}
