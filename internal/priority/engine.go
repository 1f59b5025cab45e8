// Package priority 实现确定性的优先级规则引擎。
//
// 同样的输入永远得到同样的 (Tier, Explanation)，因此任何已存储的 analysis
// 都可以离线复现其优先级。
package priority

import (
	"regexp"
	"strings"

	"mailtriage/internal/model"
)

// UrgencyKeywords 按匹配优先顺序排列，先出现者胜出。
var UrgencyKeywords = []string{
	"urgent", "emergency", "immediately", "asap", "critical",
	"complaint", "grievance", "escalation", "escalate",
	"delay", "delayed", "not received", "haven't received", "didn't receive",
	"non-payment", "unpaid", "overdue", "pending payment",
	"legal", "lawyer", "attorney", "court", "fraud", "fraudulent",
	"police", "fir", "consumer forum",
	"death", "died", "passed away", "demise", "deceased",
	"refund", "cancel", "cancellation", "terminate", "reject", "rejected",
}

// MediumKeywords only annotate the explanation of the default bucket.
var MediumKeywords = []string{
	"status", "update", "information", "enquiry", "inquiry",
	"policy", "premium", "maturity", "benefit",
	"change", "modify", "amendment",
}

var criticalSet = map[string]bool{
	"legal": true, "lawyer": true, "fraud": true, "court": true,
	"grievance": true, "escalation": true, "escalate": true,
}

// Result is the tier plus the audit string listing every contributing factor.
type Result struct {
	Tier        model.Tier
	Explanation string
}

type keywordMatcher struct {
	keywords []string
	patterns []*regexp.Regexp
}

// 只在开头锚定单词边界：delay 能匹配 delayed，但不会匹配 display
func newKeywordMatcher(keywords []string) *keywordMatcher {
	m := &keywordMatcher{keywords: keywords, patterns: make([]*regexp.Regexp, len(keywords))}
	for i, kw := range keywords {
		m.patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw))
	}
	return m
}

// first returns the first keyword in list order that occurs in text.
func (m *keywordMatcher) first(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for i, p := range m.patterns {
		if p.MatchString(text) {
			return m.keywords[i], true
		}
	}
	return "", false
}

func filterKeywords(keywords []string, keep map[string]bool) []string {
	out := make([]string, 0, len(keep))
	for _, kw := range keywords {
		if keep[kw] {
			out = append(out, kw)
		}
	}
	return out
}

var (
	urgencyMatcher  = newKeywordMatcher(UrgencyKeywords)
	criticalMatcher = newKeywordMatcher(filterKeywords(UrgencyKeywords, criticalSet))
	mediumMatcher   = newKeywordMatcher(MediumKeywords)
)

// Classify applies the priority rules in order; the first match wins.
func Classify(intent, sentiment, summary, redactedBody string) Result {
	intent = strings.ToUpper(intent)
	sentiment = strings.ToUpper(sentiment)
	if sentiment == "" {
		sentiment = model.SentimentNeutral
	}
	text := strings.TrimSpace(summary + " " + redactedBody)

	urgentKeyword, hasUrgent := urgencyMatcher.first(text)
	negative := sentiment == model.SentimentNegative

	var f factors

	// Rule 1
	if intent == model.IntentComplaint && negative {
		f.add("Intent", intent)
		f.add("Sentiment", sentiment)
		if hasUrgent {
			f.add("Keyword", urgentKeyword)
		}
		return f.result(model.TierHigh)
	}

	// Rule 2
	if intent == model.IntentClaimRelated && (negative || hasUrgent) {
		f.add("Intent", intent)
		if negative {
			f.add("Sentiment", sentiment)
		}
		if hasUrgent {
			f.add("Keyword", urgentKeyword)
		}
		return f.result(model.TierHigh)
	}

	// Rule 3: 关键字只在 critical 子集内查找，不受更早出现的普通紧急词影响
	if kw, ok := criticalMatcher.first(text); ok {
		f.add("Critical Keyword", kw)
		if intent != "" {
			f.add("Intent", intent)
		}
		return f.result(model.TierHigh)
	}

	// Rule 4
	if intent == model.IntentAppreciation {
		f.add("Intent", intent)
		f.add("Sentiment", sentiment)
		return f.result(model.TierLow)
	}

	// Rule 5
	if sentiment == model.SentimentPositive && !hasUrgent {
		f.add("Sentiment", sentiment)
		if intent != "" {
			f.add("Intent", intent)
		}
		return f.result(model.TierLow)
	}

	// Rule 6
	if intent == model.IntentOther && !negative && !hasUrgent {
		f.add("Intent", intent)
		f.add("Sentiment", sentiment)
		return f.result(model.TierLow)
	}

	// Rule 7: default bucket
	if intent != "" {
		f.add("Intent", intent)
	}
	f.add("Sentiment", sentiment)
	if kw, ok := mediumMatcher.first(text); ok {
		f.add("Keyword", kw)
	}
	return f.result(model.TierMedium)
}

type factors []string

func (f *factors) add(label, value string) {
	*f = append(*f, label+": "+value)
}

func (f factors) result(tier model.Tier) Result {
	if len(f) == 0 {
		return Result{Tier: tier, Explanation: "Default classification"}
	}
	return Result{Tier: tier, Explanation: strings.Join(f, ", ")}
}
