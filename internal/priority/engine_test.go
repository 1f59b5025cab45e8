package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailtriage/internal/model"
)

func TestClassify_WorkedExamples(t *testing.T) {
	r := Classify("COMPLAINT", "NEGATIVE", "billing delay issue", "")
	assert.Equal(t, model.TierHigh, r.Tier)
	assert.Equal(t, "Intent: COMPLAINT, Sentiment: NEGATIVE, Keyword: delay", r.Explanation)

	r = Classify("GENERAL_ENQUIRY", "NEUTRAL", "what is my status", "")
	assert.Equal(t, model.TierMedium, r.Tier)
	assert.Equal(t, "Intent: GENERAL_ENQUIRY, Sentiment: NEUTRAL, Keyword: status", r.Explanation)

	r = Classify("APPRECIATION", "POSITIVE", "thank you", "")
	assert.Equal(t, model.TierLow, r.Tier)
	assert.Equal(t, "Intent: APPRECIATION, Sentiment: POSITIVE", r.Explanation)
}

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		name                             string
		intent, sentiment, summary, body string
		wantTier                         model.Tier
		wantExplanation                  string
	}{
		{"complaint negative without keyword", "complaint", "negative", "not happy with service", "", model.TierHigh, "Intent: COMPLAINT, Sentiment: NEGATIVE"},
		{"claim related negative", "CLAIM_RELATED", "NEGATIVE", "claim form question", "", model.TierHigh, "Intent: CLAIM_RELATED, Sentiment: NEGATIVE"},
		{"claim related with urgency keyword in body", "CLAIM_RELATED", "NEUTRAL", "claim question", "My father passed away last week", model.TierHigh, "Intent: CLAIM_RELATED, Keyword: passed away"},
		{"claim related neutral without keyword falls through", "CLAIM_RELATED", "NEUTRAL", "question about claim form", "", model.TierMedium, "Intent: CLAIM_RELATED, Sentiment: NEUTRAL"},
		{"critical keyword regardless of intent", "REQUEST", "NEUTRAL", "I will contact my lawyer", "", model.TierHigh, "Critical Keyword: lawyer, Intent: REQUEST"},
		{"critical keyword found after an earlier urgency keyword", "GENERAL_ENQUIRY", "NEUTRAL", "urgent: this is a legal matter", "", model.TierHigh, "Critical Keyword: legal, Intent: GENERAL_ENQUIRY"},
		{"critical keyword with empty intent", "", "NEUTRAL", "possible fraud on my account", "", model.TierHigh, "Critical Keyword: fraud"},
		{"appreciation wins over positive", "appreciation", "POSITIVE", "great support, very urgent thanks", "", model.TierLow, "Intent: APPRECIATION, Sentiment: POSITIVE"},
		{"positive without urgency", "GENERAL_ENQUIRY", "POSITIVE", "Great to have this cover", "", model.TierLow, "Sentiment: POSITIVE, Intent: GENERAL_ENQUIRY"},
		{"positive with urgency keyword is medium", "REQUEST", "POSITIVE", "please refund my premium", "", model.TierMedium, "Intent: REQUEST, Sentiment: POSITIVE, Keyword: premium"},
		{"other neutral", "OTHER", "NEUTRAL", "just saying hello", "", model.TierLow, "Intent: OTHER, Sentiment: NEUTRAL"},
		{"other negative is medium", "OTHER", "NEGATIVE", "meh", "", model.TierMedium, "Intent: OTHER, Sentiment: NEGATIVE"},
		{"empty sentiment defaults to neutral", "REQUEST", "", "please change my address", "", model.TierMedium, "Intent: REQUEST, Sentiment: NEUTRAL, Keyword: change"},
		{"all empty", "", "", "", "", model.TierMedium, "Sentiment: NEUTRAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.intent, tt.sentiment, tt.summary, tt.body)
			assert.Equal(t, tt.wantTier, r.Tier)
			assert.Equal(t, tt.wantExplanation, r.Explanation)
		})
	}
}

func TestKeywordMatcher_WordBoundaryAtStartOnly(t *testing.T) {
	m := newKeywordMatcher([]string{"delay"})

	_, ok := m.first("the payout was delayed again")
	assert.True(t, ok)

	_, ok = m.first("the display is broken")
	assert.False(t, ok)

	kw, ok := m.first("DELAY in processing")
	assert.True(t, ok)
	assert.Equal(t, "delay", kw)
}

func TestKeywordMatcher_FirMatchesLongerWords(t *testing.T) {
	m := newKeywordMatcher([]string{"fir"})

	for _, text := range []string{"filed an FIR today", "my first order", "the firm replied"} {
		kw, ok := m.first(text)
		assert.True(t, ok, text)
		assert.Equal(t, "fir", kw)
	}

	_, ok := m.first("a fine affirmation")
	assert.False(t, ok)
}

func TestKeywordMatcher_ListOrderWins(t *testing.T) {
	kw, ok := urgencyMatcher.first("refund immediately")
	assert.True(t, ok)
	assert.Equal(t, "immediately", kw)
}

func TestClassify_Deterministic(t *testing.T) {
	a := Classify("PAYMENT_ISSUE", "NEGATIVE", "premium unpaid", "overdue notice")
	for i := 0; i < 50; i++ {
		assert.Equal(t, a, Classify("PAYMENT_ISSUE", "NEGATIVE", "premium unpaid", "overdue notice"))
	}
}
