// Package worker 轮询 Record Store，认领待处理工作项并同步交给编排器处理。
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/trace"
	"mailtriage/pkg/util"
)

// Claimer atomically moves the next PENDING item to PROCESSING.
// It returns nil, nil when the queue is empty.
type Claimer interface {
	ClaimNextPending(ctx context.Context) (*model.WorkItem, error)
}

// Processor drives one claimed item to a terminal status.
type Processor interface {
	Process(ctx context.Context, item *model.WorkItem) (model.Status, error)
}

type Config struct {
	IdleDelay    time.Duration
	MaxIdleDelay time.Duration
	Multiplier   float64
	ErrorDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleDelay:    2 * time.Second,
		MaxIdleDelay: 60 * time.Second,
		Multiplier:   1.5,
		ErrorDelay:   5 * time.Second,
	}
}

type Loop struct {
	id        int
	claimer   Claimer
	processor Processor
	cfg       Config
	logger    *zap.Logger

	// sleep 返回 false 表示 ctx 已取消
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewLoop(id int, claimer Claimer, processor Processor, cfg Config, logger *zap.Logger) *Loop {
	return &Loop{
		id:        id,
		claimer:   claimer,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With(zap.Int("worker_id", id)),
		sleep:     sleepContext,
	}
}

// Run polls until ctx is cancelled. Transient errors and panics never stop it.
func (l *Loop) Run(ctx context.Context) error {
	backoff := NewBackoff(l.cfg.IdleDelay, l.cfg.MaxIdleDelay, l.cfg.Multiplier)
	l.logger.Info("worker loop started",
		zap.Duration("idle_delay", l.cfg.IdleDelay),
		zap.Duration("max_idle_delay", l.cfg.MaxIdleDelay),
	)

	for {
		if ctx.Err() != nil {
			l.logger.Info("worker loop stopped")
			return nil
		}

		delay, err := l.iterate(ctx, backoff)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("worker loop stopped")
				return nil
			}
			retryable, errType := util.ClassifyError(err)
			metrics.IncrementLoopError(errType)
			l.logger.Error("worker loop iteration failed",
				zap.Error(err),
				zap.String("error_type", errType),
				zap.Bool("retryable", retryable),
				zap.Duration("retry_in", l.cfg.ErrorDelay),
			)
			delay = l.cfg.ErrorDelay
		}

		if delay > 0 && !l.sleep(ctx, delay) {
			l.logger.Info("worker loop stopped")
			return nil
		}
	}
}

// iterate claims at most one item. A zero delay means poll again immediately.
func (l *Loop) iterate(ctx context.Context, backoff *Backoff) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker loop: %v", r)
		}
	}()

	item, err := l.claimer.ClaimNextPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if item == nil {
		metrics.IncrementIdlePoll()
		return backoff.Next(), nil
	}
	backoff.Reset()

	// 认领之后不再响应关机信号，保证 finalize 一定执行
	itemCtx := trace.WithContext(context.WithoutCancel(ctx), trace.GenerateTraceID())
	status, err := l.processor.Process(itemCtx, item)
	if err != nil {
		// 编排器已经记录细节，这里只留一条汇总
		l.logger.Error("work item did not reach a terminal status",
			zap.Int64("item_id", item.ID),
			zap.String("status", string(status)),
			zap.String("trace_id", trace.FromContext(itemCtx)),
			zap.Error(err),
		)
	}
	return 0, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
