package collaborator

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/trace"
)

// ReplyRequest is everything the drafter may see about one item.
type ReplyRequest struct {
	Body       string
	Intent     string
	Priority   model.Tier
	Confidence string
}

// ReplyDrafter produces a plain-text acknowledgement or model.NoReply.
// Failures are Recoverable.
type ReplyDrafter interface {
	Draft(ctx context.Context, req ReplyRequest) Outcome[string]
}

var restrictedReplyIntents = map[string]bool{
	model.IntentComplaint:    true,
	model.IntentClaimRelated: true,
	model.IntentPaymentIssue: true,
}

// ReplyAllowed 回复门禁：仅 LOW/MEDIUM、非受限意图、且置信度为 High 时允许起草
func ReplyAllowed(req ReplyRequest) bool {
	if req.Priority != model.TierLow && req.Priority != model.TierMedium {
		return false
	}
	if restrictedReplyIntents[strings.ToUpper(req.Intent)] {
		return false
	}
	return req.Confidence == model.ConfidenceHigh
}

type OpenAIReplyDrafter struct {
	client  ChatCompleter
	model   string
	timeout time.Duration
	cb      *circuitbreaker.Breaker
	logger  *zap.Logger
}

func NewOpenAIReplyDrafter(client ChatCompleter, model string, timeout time.Duration, cb *circuitbreaker.Breaker, logger *zap.Logger) *OpenAIReplyDrafter {
	return &OpenAIReplyDrafter{client: client, model: model, timeout: timeout, cb: cb, logger: logger}
}

func (d *OpenAIReplyDrafter) Draft(ctx context.Context, req ReplyRequest) Outcome[string] {
	log := d.logger.With(zap.String("trace_id", trace.FromContext(ctx)))

	// 调用方也会检查，这里再拦一次
	if !ReplyAllowed(req) {
		log.Info("reply skipped by gate",
			zap.String("priority", string(req.Priority)),
			zap.String("intent", req.Intent),
			zap.String("confidence", req.Confidence),
		)
		return OK(model.NoReply)
	}

	start := time.Now()
	var content string
	err := d.cb.Execute(func() error {
		callCtx, cancel := contextWithOptionalTimeout(ctx, d.timeout)
		defer cancel()

		resp, err := d.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       d.model,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: replyPrompt},
				{Role: openai.ChatMessageRoleUser, Content: replyUserMessage(req)},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errEmptyCompletion
		}
		content = resp.Choices[0].Message.Content
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordCollaboratorCallLatency("reply_drafter", status, time.Since(start))

	if err != nil {
		log.Warn("reply drafting failed", zap.Error(err))
		return Recoverable[string](fmt.Errorf("draft reply: %w", err))
	}

	reply := CleanReply(content)
	if reply == model.NoReply {
		log.Info("reply drafter declined")
	}
	return OK(reply)
}

// CleanReply trims whitespace and wrapping quotes. An empty draft becomes model.NoReply.
func CleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	s = strings.Trim(s, `'`)
	s = strings.TrimSpace(s)
	if s == "" {
		return model.NoReply
	}
	return s
}

func replyUserMessage(req ReplyRequest) string {
	return fmt.Sprintf("EMAIL CONTENT (PII REDACTED):\n%s\n\nMETADATA:\n- Priority: %s\n- Intent: %s\n- Confidence: %s",
		req.Body, req.Priority, req.Intent, req.Confidence)
}
