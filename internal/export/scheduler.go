package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs ExportPendingEvents on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	batcher *Batcher
	logger  *slog.Logger
	timeout time.Duration
}

// NewScheduler registers batcher under schedule (standard five-field cron or
// a descriptor such as "@every 5m").
func NewScheduler(batcher *Batcher, schedule string, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		batcher: batcher,
		logger:  logger,
		timeout: 5 * time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid export schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	sum, err := s.batcher.ExportPendingEvents(ctx, TriggerScheduled)
	if err != nil {
		s.logger.Warn("scheduled export failed",
			"batch_uuid", sum.Batch.BatchUUID,
			"failed", sum.Failed,
			"error", err,
		)
		return
	}
	s.logger.Info("scheduled export finished",
		"batch_uuid", sum.Batch.BatchUUID,
		"events", sum.Events,
	)
}

// Start begins firing the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("export scheduler started")
}

// Stop halts the schedule and waits for a running export up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("export scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.New("export scheduler: running export did not finish before shutdown")
	}
}
