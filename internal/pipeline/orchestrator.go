// Package pipeline 负责单个已认领工作项的分阶段处理，并保证它最终进入终态。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/collaborator"
	"mailtriage/internal/model"
	"mailtriage/internal/priority"
	"mailtriage/internal/repository"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/trace"
)

// Finalizer persists the terminal transition of a work item.
type Finalizer interface {
	Finalize(ctx context.Context, p repository.FinalizeParams) error
}

// Config holds per-stage timeouts. Zero means no stage-level timeout.
type Config struct {
	RedactTimeout   time.Duration
	ClassifyTimeout time.Duration
	ReplyTimeout    time.Duration
	PersistTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RedactTimeout:   15 * time.Second,
		ClassifyTimeout: 30 * time.Second,
		ReplyTimeout:    30 * time.Second,
		PersistTimeout:  10 * time.Second,
	}
}

type Orchestrator struct {
	store      Finalizer
	redactor   collaborator.Redactor
	classifier collaborator.Classifier
	drafter    collaborator.ReplyDrafter
	cfg        Config
	logger     *zap.Logger
}

func NewOrchestrator(
	store Finalizer,
	redactor collaborator.Redactor,
	classifier collaborator.Classifier,
	drafter collaborator.ReplyDrafter,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		redactor:   redactor,
		classifier: classifier,
		drafter:    drafter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Process runs every stage for one PROCESSING item and finalizes it.
//
// It returns the status that was persisted. When even the fallback FAILED write
// fails, the item stays PROCESSING and the returned error is non-nil.
func (o *Orchestrator) Process(ctx context.Context, item *model.WorkItem) (model.Status, error) {
	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, o.logger).With(
		zap.Int64("item_id", item.ID),
		zap.String("external_id", item.ExternalID),
	)
	log.Info("processing work item")

	// Step 1: 脱敏，失败即中止（fail-closed）
	redacted := o.redact(ctx, log, item.BodyOriginal)
	if !redacted.IsOK() {
		log.Error("redaction failed, item will be marked FAILED", zap.Error(redacted.Err))
		return o.finalize(ctx, log, failedParams(item.ID, "", redacted.Err))
	}

	// Step 2-4: 分类、优先级、回复
	params, err := o.analyze(ctx, log, item, redacted.Value)
	if err != nil {
		log.Error("pipeline failed after redaction", zap.Error(err))
		return o.finalize(ctx, log, failedParams(item.ID, redacted.Value, err))
	}

	// Step 5: 持久化
	return o.finalize(ctx, log, params)
}

func (o *Orchestrator) redact(ctx context.Context, log *zap.Logger, body string) (out collaborator.Outcome[string]) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("redactor panicked", zap.Any("panic", r))
			out = collaborator.Fatal[string](fmt.Errorf("%w: panic: %v", collaborator.ErrRedaction, r))
		}
		metrics.RecordStageLatency("redact", out.Kind.String(), time.Since(start))
	}()

	stageCtx, cancel := withStageTimeout(ctx, o.cfg.RedactTimeout)
	defer cancel()

	out = o.redactor.Redact(stageCtx, body)
	if !out.IsOK() && out.Kind != collaborator.KindFatal {
		// 脱敏没有可降级的结果
		out = collaborator.Fatal[string](fmt.Errorf("%w: %v", collaborator.ErrRedaction, out.Err))
	}
	return out
}

func (o *Orchestrator) analyze(ctx context.Context, log *zap.Logger, item *model.WorkItem, redacted string) (params repository.FinalizeParams, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during analysis: %v", r)
		}
	}()

	// Step 2
	cls := o.classify(ctx, log, redacted)

	// Step 3
	start := time.Now()
	prio := priority.Classify(cls.Intent, cls.Sentiment, cls.Summary, redacted)
	metrics.RecordStageLatency("prioritize", collaborator.KindOK.String(), time.Since(start))
	log.Info("priority assigned",
		zap.String("priority", string(prio.Tier)),
		zap.String("reason", prio.Explanation),
	)

	// Step 4
	reply := o.draftReply(ctx, log, collaborator.ReplyRequest{
		Body:       redacted,
		Intent:     cls.Intent,
		Priority:   prio.Tier,
		Confidence: cls.Confidence,
	})

	return repository.FinalizeParams{
		ID:           item.ID,
		Status:       model.StatusCompleted,
		RedactedBody: redacted,
		Analysis: model.Analysis{
			Intent:         cls.Intent,
			Sentiment:      cls.Sentiment,
			Summary:        cls.Summary,
			Confidence:     cls.Confidence,
			Priority:       prio.Tier,
			PriorityReason: prio.Explanation,
		},
		Summary: cls.Summary,
		Reply:   &reply,
	}, nil
}

func (o *Orchestrator) classify(ctx context.Context, log *zap.Logger, redacted string) model.Classification {
	if redacted == "" {
		metrics.RecordStageLatency("classify", "skipped", 0)
		return model.EmptyBodyClassification()
	}

	start := time.Now()
	stageCtx, cancel := withStageTimeout(ctx, o.cfg.ClassifyTimeout)
	defer cancel()

	out := o.classifier.Classify(stageCtx, redacted)
	metrics.RecordStageLatency("classify", out.Kind.String(), time.Since(start))

	switch out.Kind {
	case collaborator.KindOK:
		return out.Value
	default:
		log.Warn("classifier unavailable, using degraded classification", zap.Error(out.Err))
		return model.DegradedClassification()
	}
}

func (o *Orchestrator) draftReply(ctx context.Context, log *zap.Logger, req collaborator.ReplyRequest) string {
	if !collaborator.ReplyAllowed(req) {
		metrics.RecordStageLatency("reply", "skipped", 0)
		return model.NoReply
	}

	start := time.Now()
	stageCtx, cancel := withStageTimeout(ctx, o.cfg.ReplyTimeout)
	defer cancel()

	out := o.drafter.Draft(stageCtx, req)
	metrics.RecordStageLatency("reply", out.Kind.String(), time.Since(start))

	switch out.Kind {
	case collaborator.KindOK:
		if out.Value == "" {
			return model.NoReply
		}
		return out.Value
	default:
		log.Warn("reply drafting failed, storing NO_REPLY", zap.Error(out.Err))
		return model.NoReply
	}
}

// finalize writes p. If a COMPLETED write fails for any reason other than the
// item no longer being PROCESSING, one best-effort FAILED write follows.
func (o *Orchestrator) finalize(ctx context.Context, log *zap.Logger, p repository.FinalizeParams) (model.Status, error) {
	err := o.persist(ctx, p)
	if err == nil {
		metrics.IncrementFinalized(string(p.Status))
		log.Info("work item finalized", zap.String("status", string(p.Status)))
		return p.Status, nil
	}

	if errors.Is(err, repository.ErrNotProcessing) {
		log.Error("finalize rejected: item is not PROCESSING", zap.Error(err))
		return model.StatusProcessing, err
	}

	if p.Status == model.StatusFailed {
		log.Error("failed to mark item FAILED, item stays PROCESSING", zap.Error(err))
		return model.StatusProcessing, err
	}

	log.Error("finalize failed, attempting to mark item FAILED", zap.Error(err))
	fallback := failedParams(p.ID, p.RedactedBody, err)
	if ferr := o.persist(ctx, fallback); ferr != nil {
		log.Error("fallback FAILED write also failed, item stays PROCESSING", zap.Error(ferr))
		return model.StatusProcessing, fmt.Errorf("finalize: %w (fallback: %v)", err, ferr)
	}
	metrics.IncrementFinalized(string(model.StatusFailed))
	return model.StatusFailed, nil
}

// persist 使用与调用方取消解耦的上下文，确保终态写入不会被关机打断
func (o *Orchestrator) persist(ctx context.Context, p repository.FinalizeParams) error {
	start := time.Now()
	persistCtx, cancel := withStageTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	err := o.store.Finalize(persistCtx, p)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordStageLatency("persist", outcome, time.Since(start))
	return err
}

func failedParams(id int64, redactedBody string, cause error) repository.FinalizeParams {
	return repository.FinalizeParams{
		ID:           id,
		Status:       model.StatusFailed,
		RedactedBody: redactedBody,
		Analysis:     model.Analysis{Error: cause.Error()},
		Summary:      model.ManualIntervention,
	}
}

func withStageTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
