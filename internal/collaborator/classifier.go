package collaborator

import (
	"context"
	"encoding/json"
	"errors"
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

// Classifier extracts intent, sentiment, summary and confidence from redacted text.
// Failures are Recoverable.
type Classifier interface {
	Classify(ctx context.Context, text string) Outcome[model.Classification]
}

// ChatCompleter is the part of *openai.Client the LLM collaborators use.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient builds a client for any OpenAI-compatible endpoint.
// An empty baseURL keeps the public OpenAI API.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

var errEmptyCompletion = errors.New("llm returned no choices")

type OpenAIClassifier struct {
	client  ChatCompleter
	model   string
	timeout time.Duration
	cb      *circuitbreaker.Breaker
	logger  *zap.Logger
}

func NewOpenAIClassifier(client ChatCompleter, model string, timeout time.Duration, cb *circuitbreaker.Breaker, logger *zap.Logger) *OpenAIClassifier {
	return &OpenAIClassifier{client: client, model: model, timeout: timeout, cb: cb, logger: logger}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text string) Outcome[model.Classification] {
	start := time.Now()
	var content string
	err := c.cb.Execute(func() error {
		callCtx, cancel := contextWithOptionalTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
				{Role: openai.ChatMessageRoleUser, Content: text},
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

	var cls model.Classification
	if err == nil {
		cls, err = ParseClassification(content)
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordCollaboratorCallLatency("classifier", status, time.Since(start))

	if err != nil {
		c.logger.Warn("classification failed",
			zap.Error(err),
			zap.String("trace_id", trace.FromContext(ctx)),
		)
		return Recoverable[model.Classification](fmt.Errorf("classify: %w", err))
	}
	return OK(cls)
}

// ParseClassification decodes the model's JSON answer, tolerating markdown
// code fences and surrounding prose, and normalizes every field.
func ParseClassification(content string) (model.Classification, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return model.Classification{}, fmt.Errorf("no JSON object in llm response")
	}

	var cls model.Classification
	if err := json.Unmarshal([]byte(raw), &cls); err != nil {
		return model.Classification{}, fmt.Errorf("decode llm response: %w", err)
	}
	return normalizeClassification(cls), nil
}

func normalizeClassification(c model.Classification) model.Classification {
	c.Intent = strings.ToUpper(strings.TrimSpace(c.Intent))
	if !model.KnownIntent(c.Intent) {
		c.Intent = model.IntentGeneralEnquiry
	}

	c.Sentiment = strings.ToUpper(strings.TrimSpace(c.Sentiment))
	switch c.Sentiment {
	case model.SentimentPositive, model.SentimentNegative, model.SentimentNeutral:
	default:
		c.Sentiment = model.SentimentNeutral
	}

	c.Confidence = model.NormalizeConfidence(c.Confidence)

	c.Summary = strings.TrimSpace(c.Summary)
	if c.Summary == "" {
		c.Summary = "No summary provided."
	}
	return c
}

func extractJSONObject(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
