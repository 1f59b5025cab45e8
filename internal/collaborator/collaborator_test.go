package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"
)

func newBreaker() *circuitbreaker.Breaker {
	return circuitbreaker.New("test", circuitbreaker.Config{FailureThreshold: 3, Timeout: time.Minute, HalfOpenMaxRequests: 1}, zap.NewNop())
}

func TestPatternRedactor(t *testing.T) {
	r := NewPatternRedactor()

	out := r.Redact(context.Background(), "Mail john.doe@example.com or call (555) 123-4567. SSN 123-45-6789, card 4111 1111 1111 1111, host 10.0.0.12")
	require.True(t, out.IsOK())
	assert.NotContains(t, out.Value, "john.doe@example.com")
	assert.NotContains(t, out.Value, "123-4567")
	assert.NotContains(t, out.Value, "123-45-6789")
	assert.NotContains(t, out.Value, "4111")
	assert.NotContains(t, out.Value, "10.0.0.12")
	assert.Contains(t, out.Value, RedactedPlaceholder)

	out = r.Redact(context.Background(), "")
	require.True(t, out.IsOK())
	assert.Equal(t, "", out.Value)

	out = r.Redact(context.Background(), "nothing sensitive here")
	assert.Equal(t, "nothing sensitive here", out.Value)
}

func TestPatternRedactor_CancelledContextIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewPatternRedactor().Redact(ctx, "call 555-123-4567")
	assert.Equal(t, KindFatal, out.Kind)
	assert.ErrorIs(t, out.Err, ErrRedaction)
	assert.Empty(t, out.Value)
}

func TestPresidioRedactor(t *testing.T) {
	var anonymizeBody anonymizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			var req analyzeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "en", req.Language)
			assert.Equal(t, PresidioEntities, req.Entities)
			_, _ = w.Write([]byte(`[{"entity_type":"PERSON","start":6,"end":10,"score":0.85}]`))
		case "/anonymize":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&anonymizeBody))
			_, _ = w.Write([]byte(`{"text":"Hello [REDACTED]","items":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewPresidioRedactor(PresidioConfig{AnalyzerURL: srv.URL, AnonymizerURL: srv.URL}, newBreaker(), zap.NewNop())
	out := r.Redact(context.Background(), "Hello John")

	require.True(t, out.IsOK())
	assert.Equal(t, "Hello [REDACTED]", out.Value)
	assert.Equal(t, "replace", anonymizeBody.Anonymizers["DEFAULT"].Type)
	assert.JSONEq(t, `[{"entity_type":"PERSON","start":6,"end":10,"score":0.85}]`, string(anonymizeBody.AnalyzerResults))
}

func TestPresidioRedactor_FailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewPresidioRedactor(PresidioConfig{AnalyzerURL: srv.URL, AnonymizerURL: srv.URL}, newBreaker(), zap.NewNop())
	out := r.Redact(context.Background(), "Hello John")

	assert.Equal(t, KindFatal, out.Kind)
	assert.ErrorIs(t, out.Err, ErrRedaction)
	assert.Empty(t, out.Value)
}

func TestPresidioRedactor_EmptyInputSkipsNetwork(t *testing.T) {
	r := NewPresidioRedactor(PresidioConfig{AnalyzerURL: "http://127.0.0.1:1", AnonymizerURL: "http://127.0.0.1:1"}, newBreaker(), zap.NewNop())
	out := r.Redact(context.Background(), "")
	require.True(t, out.IsOK())
	assert.Empty(t, out.Value)
}

type fakeChat struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
	lastReq openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
	}, nil
}

func TestOpenAIClassifier(t *testing.T) {
	chat := &fakeChat{content: "```json\n{\"intent\":\"request\",\"sentiment\":\"neutral\",\"summary\":\"Wants a statement\",\"confidence\":\"HIGH\"}\n```"}
	c := NewOpenAIClassifier(chat, "llama3", time.Second, newBreaker(), zap.NewNop())

	out := c.Classify(context.Background(), "please send my statement")

	require.True(t, out.IsOK())
	assert.Equal(t, model.Classification{
		Intent:     model.IntentRequest,
		Sentiment:  model.SentimentNeutral,
		Summary:    "Wants a statement",
		Confidence: model.ConfidenceHigh,
	}, out.Value)
	assert.Equal(t, "llama3", chat.lastReq.Model)
	require.Len(t, chat.lastReq.Messages, 2)
	assert.Equal(t, "please send my statement", chat.lastReq.Messages[1].Content)
}

func TestOpenAIClassifier_FailuresAreRecoverable(t *testing.T) {
	c := NewOpenAIClassifier(&fakeChat{err: errors.New("connection refused")}, "m", time.Second, newBreaker(), zap.NewNop())
	out := c.Classify(context.Background(), "text")
	assert.Equal(t, KindRecoverable, out.Kind)

	c = NewOpenAIClassifier(&fakeChat{content: "I cannot help with that"}, "m", time.Second, newBreaker(), zap.NewNop())
	out = c.Classify(context.Background(), "text")
	assert.Equal(t, KindRecoverable, out.Kind)
}

func TestOpenAIClassifier_BreakerOpens(t *testing.T) {
	chat := &fakeChat{err: errors.New("down")}
	c := NewOpenAIClassifier(chat, "m", time.Second, newBreaker(), zap.NewNop())

	for i := 0; i < 5; i++ {
		assert.Equal(t, KindRecoverable, c.Classify(context.Background(), "text").Kind)
	}
	assert.Equal(t, 3, chat.calls)
}

func TestParseClassification_Normalizes(t *testing.T) {
	cls, err := ParseClassification(`Sure! {"intent":"spam","sentiment":"angry","summary":"  ","confidence":"certain"}`)
	require.NoError(t, err)
	assert.Equal(t, model.IntentGeneralEnquiry, cls.Intent)
	assert.Equal(t, model.SentimentNeutral, cls.Sentiment)
	assert.Equal(t, "No summary provided.", cls.Summary)
	assert.Equal(t, model.ConfidenceLow, cls.Confidence)

	_, err = ParseClassification("no json")
	assert.Error(t, err)
}

func TestReplyAllowed(t *testing.T) {
	tests := []struct {
		name string
		req  ReplyRequest
		want bool
	}{
		{"low enquiry high confidence", ReplyRequest{Intent: model.IntentGeneralEnquiry, Priority: model.TierLow, Confidence: model.ConfidenceHigh}, true},
		{"medium request", ReplyRequest{Intent: model.IntentRequest, Priority: model.TierMedium, Confidence: model.ConfidenceHigh}, true},
		{"high priority", ReplyRequest{Intent: model.IntentGeneralEnquiry, Priority: model.TierHigh, Confidence: model.ConfidenceHigh}, false},
		{"complaint", ReplyRequest{Intent: model.IntentComplaint, Priority: model.TierLow, Confidence: model.ConfidenceHigh}, false},
		{"claim", ReplyRequest{Intent: model.IntentClaimRelated, Priority: model.TierMedium, Confidence: model.ConfidenceHigh}, false},
		{"payment", ReplyRequest{Intent: model.IntentPaymentIssue, Priority: model.TierMedium, Confidence: model.ConfidenceHigh}, false},
		{"medium confidence", ReplyRequest{Intent: model.IntentRequest, Priority: model.TierLow, Confidence: model.ConfidenceMedium}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReplyAllowed(tt.req))
		})
	}
}

func TestOpenAIReplyDrafter(t *testing.T) {
	chat := &fakeChat{content: "  \"Thank you for your feedback.\"  "}
	d := NewOpenAIReplyDrafter(chat, "gemma2:2b", time.Second, newBreaker(), zap.NewNop())

	out := d.Draft(context.Background(), ReplyRequest{Body: "thanks!", Intent: model.IntentAppreciation, Priority: model.TierLow, Confidence: model.ConfidenceHigh})
	require.True(t, out.IsOK())
	assert.Equal(t, "Thank you for your feedback.", out.Value)
	assert.Contains(t, chat.lastReq.Messages[1].Content, "Priority: LOW")

	out = d.Draft(context.Background(), ReplyRequest{Intent: model.IntentAppreciation, Priority: model.TierHigh, Confidence: model.ConfidenceHigh})
	require.True(t, out.IsOK())
	assert.Equal(t, model.NoReply, out.Value)
	assert.Equal(t, 1, chat.calls)
}

func TestOpenAIReplyDrafter_FailureIsRecoverable(t *testing.T) {
	d := NewOpenAIReplyDrafter(&fakeChat{err: context.DeadlineExceeded}, "m", time.Second, newBreaker(), zap.NewNop())
	out := d.Draft(context.Background(), ReplyRequest{Intent: model.IntentRequest, Priority: model.TierLow, Confidence: model.ConfidenceHigh})
	assert.Equal(t, KindRecoverable, out.Kind)
}

func TestCleanReply(t *testing.T) {
	assert.Equal(t, "hi", CleanReply(` "hi" `))
	assert.Equal(t, "hi", CleanReply(`'hi'`))
	assert.Equal(t, model.NoReply, CleanReply("  "))
	assert.Equal(t, model.NoReply, CleanReply("NO_REPLY\n"))
}
