package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/trace"
)

// RedactedPlaceholder replaces every detected PII span.
const RedactedPlaceholder = "[REDACTED]"

// Redactor removes PII from free text. Any failure must be Fatal and must
// never hand back the input text.
type Redactor interface {
	Redact(ctx context.Context, text string) Outcome[string]
}

// PresidioEntities are the entity types requested from the analyzer.
var PresidioEntities = []string{"PHONE_NUMBER", "EMAIL_ADDRESS", "PERSON", "CREDIT_CARD", "US_SSN", "IP_ADDRESS"}

// PatternRedactor 本地正则脱敏，不依赖网络。无法识别人名。
type PatternRedactor struct {
	patterns []*regexp.Regexp
}

func NewPatternRedactor() *PatternRedactor {
	return &PatternRedactor{
		// 顺序有意义：邮箱和卡号先于电话，避免被电话规则截断
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
			regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{1,4}\b`),
			regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`),
		},
	}
}

func (r *PatternRedactor) Redact(ctx context.Context, text string) Outcome[string] {
	if err := ctx.Err(); err != nil {
		return Fatal[string](fmt.Errorf("%w: %v", ErrRedaction, err))
	}
	if text == "" {
		return OK("")
	}
	out := text
	for _, p := range r.patterns {
		out = p.ReplaceAllString(out, RedactedPlaceholder)
	}
	return OK(out)
}

// PresidioConfig points at a Presidio analyzer/anonymizer pair.
type PresidioConfig struct {
	AnalyzerURL   string
	AnonymizerURL string
	Language      string
	Timeout       time.Duration
}

// PresidioRedactor 调用 Presidio REST 接口：先 /analyze，再 /anonymize。
type PresidioRedactor struct {
	cfg        PresidioConfig
	httpClient *http.Client
	cb         *circuitbreaker.Breaker
	logger     *zap.Logger
}

func NewPresidioRedactor(cfg PresidioConfig, cb *circuitbreaker.Breaker, logger *zap.Logger) *PresidioRedactor {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &PresidioRedactor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         cb,
		logger:     logger,
	}
}

type analyzeRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Entities []string `json:"entities"`
}

type anonymizeRequest struct {
	Text            string                    `json:"text"`
	AnalyzerResults json.RawMessage           `json:"analyzer_results"`
	Anonymizers     map[string]anonymizerSpec `json:"anonymizers"`
}

type anonymizerSpec struct {
	Type     string `json:"type"`
	NewValue string `json:"new_value"`
}

type anonymizeResponse struct {
	Text string `json:"text"`
}

func (r *PresidioRedactor) Redact(ctx context.Context, text string) Outcome[string] {
	if text == "" {
		return OK("")
	}

	start := time.Now()
	var redacted string
	err := r.cb.Execute(func() error {
		results, err := r.post(ctx, r.cfg.AnalyzerURL+"/analyze", analyzeRequest{
			Text:     text,
			Language: r.cfg.Language,
			Entities: PresidioEntities,
		})
		if err != nil {
			return fmt.Errorf("analyze: %w", err)
		}

		raw, err := r.post(ctx, r.cfg.AnonymizerURL+"/anonymize", anonymizeRequest{
			Text:            text,
			AnalyzerResults: results,
			Anonymizers: map[string]anonymizerSpec{
				"DEFAULT": {Type: "replace", NewValue: RedactedPlaceholder},
			},
		})
		if err != nil {
			return fmt.Errorf("anonymize: %w", err)
		}

		var resp anonymizeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode anonymize response: %w", err)
		}
		redacted = resp.Text
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordCollaboratorCallLatency("redactor", status, time.Since(start))

	if err != nil {
		r.logger.Error("redaction failed", zap.Error(err), zap.String("trace_id", trace.FromContext(ctx)))
		return Fatal[string](fmt.Errorf("%w: %v", ErrRedaction, err))
	}
	return OK(redacted)
}

func (r *PresidioRedactor) post(ctx context.Context, url string, body any) (json.RawMessage, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// 传播 trace_id
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presidio %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
