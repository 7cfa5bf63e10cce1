package application

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PassRunner runs one reconciliation pass.
type PassRunner interface {
	RunPass(ctx context.Context) (*PassReport, error)
}

// Scheduler triggers reconciliation passes at a fixed interval.
type Scheduler struct {
	runner     PassRunner
	interval   time.Duration
	runOnStart bool
	logger     *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(runner PassRunner, interval time.Duration, runOnStart bool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger,
	}
}

// Start runs the loop until ctx is done. Pass errors are logged and the loop keeps ticking.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil || s.interval <= 0 {
		return
	}
	if s.runOnStart {
		s.runOnce(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("billing schedule panic", zap.Any("panic", rec))
		}
	}()
	report, err := s.runner.RunPass(ctx)
	if err != nil {
		s.logger.Error("billing schedule error", zap.Error(err))
		return
	}
	if report.Failed > 0 {
		s.logger.Warn("billing pass had failed accounts", zap.Int("failed", report.Failed))
	}
}
