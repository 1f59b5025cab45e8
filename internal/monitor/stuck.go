// Package monitor 周期性观测长时间停留在 PROCESSING 的工作项。
//
// 它只负责暴露指标和告警日志，从不修改工作项状态。
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mailtriage/pkg/metrics"
)

const (
	DefaultSchedule   = "@every 5m"
	DefaultStuckAfter = 15 * time.Minute
	checkTimeout      = 30 * time.Second
)

// StuckCounter counts items PROCESSING for longer than olderThan.
type StuckCounter interface {
	CountStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

type StuckReporter struct {
	cron       *cron.Cron
	entryID    cron.EntryID
	store      StuckCounter
	schedule   string
	stuckAfter time.Duration
	logger     *zap.Logger

	isRunning bool
	mu        sync.RWMutex
}

func NewStuckReporter(store StuckCounter, schedule string, stuckAfter time.Duration, logger *zap.Logger) *StuckReporter {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &StuckReporter{
		cron:       cron.New(),
		store:      store,
		schedule:   schedule,
		stuckAfter: stuckAfter,
		logger:     logger,
	}
}

// Start schedules the periodic check.
func (r *StuckReporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("stuck reporter is already running")
	}

	entryID, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		_, _ = r.Check(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job %q: %w", r.schedule, err)
	}

	r.entryID = entryID
	r.cron.Start()
	r.isRunning = true

	r.logger.Info("stuck reporter started",
		zap.String("schedule", r.schedule),
		zap.Duration("stuck_after", r.stuckAfter),
	)
	return nil
}

// Stop waits for a running check to finish, up to ctx's deadline.
func (r *StuckReporter) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRunning {
		return
	}

	select {
	case <-r.cron.Stop().Done():
		r.logger.Info("stuck reporter stopped")
	case <-ctx.Done():
		r.logger.Warn("stuck reporter stop timed out")
	}
	r.isRunning = false
}

func (r *StuckReporter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}

// Check counts stuck items once, updates the gauge and warns when any exist.
func (r *StuckReporter) Check(ctx context.Context) (int, error) {
	n, err := r.store.CountStuck(ctx, r.stuckAfter)
	if err != nil {
		r.logger.Error("failed to count stuck work items", zap.Error(err))
		return 0, err
	}

	metrics.SetStuckItems(n)
	if n > 0 {
		r.logger.Warn("work items stuck in PROCESSING",
			zap.Int("count", n),
			zap.Duration("older_than", r.stuckAfter),
		)
	}
	return n, nil
}
