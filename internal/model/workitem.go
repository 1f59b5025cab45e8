package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Tier is the priority bucket assigned by the rule engine.
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

// Intents produced by the classifier.
const (
	IntentRequest        = "REQUEST"
	IntentComplaint      = "COMPLAINT"
	IntentGeneralEnquiry = "GENERAL_ENQUIRY"
	IntentClaimRelated   = "CLAIM_RELATED"
	IntentPaymentIssue   = "PAYMENT_ISSUE"
	IntentPolicyUpdate   = "POLICY_UPDATE"
	IntentAppreciation   = "APPRECIATION"
	IntentOther          = "OTHER"
)

var knownIntents = map[string]bool{
	IntentRequest:        true,
	IntentComplaint:      true,
	IntentGeneralEnquiry: true,
	IntentClaimRelated:   true,
	IntentPaymentIssue:   true,
	IntentPolicyUpdate:   true,
	IntentAppreciation:   true,
	IntentOther:          true,
}

// KnownIntent reports whether intent belongs to the closed intent set.
func KnownIntent(intent string) bool {
	return knownIntents[intent]
}

// Sentiments produced by the classifier.
const (
	SentimentPositive = "POSITIVE"
	SentimentNegative = "NEGATIVE"
	SentimentNeutral  = "NEUTRAL"
)

// Confidence levels produced by the classifier.
const (
	ConfidenceHigh   = "High"
	ConfidenceMedium = "Medium"
	ConfidenceLow    = "Low"
)

// NormalizeConfidence maps any casing of high/medium/low to its canonical form.
// Unknown values become Low.
func NormalizeConfidence(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case "high":
		return ConfidenceHigh
	case "medium":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// NoReply is stored as the generated reply when no draft was produced.
const NoReply = "NO_REPLY"

// ManualIntervention is the summary recorded on failed items.
const ManualIntervention = "Manual Intervention"

// Classification is the semantic analysis of a redacted body.
type Classification struct {
	Intent     string `json:"intent"`
	Sentiment  string `json:"sentiment"`
	Summary    string `json:"summary"`
	Confidence string `json:"confidence"`
}

// DegradedClassification is substituted when the classifier is unavailable.
func DegradedClassification() Classification {
	return Classification{
		Intent:     IntentGeneralEnquiry,
		Sentiment:  SentimentNeutral,
		Summary:    "LLM Service Unavailable. Email received and queued for review.",
		Confidence: ConfidenceLow,
	}
}

// EmptyBodyClassification is used when there is nothing to classify.
func EmptyBodyClassification() Classification {
	return Classification{
		Intent:     IntentGeneralEnquiry,
		Sentiment:  SentimentNeutral,
		Summary:    "Empty email body.",
		Confidence: ConfidenceLow,
	}
}

// Analysis is the structured result persisted with a terminal work item.
// Failed items carry only Error.
type Analysis struct {
	Intent         string `json:"intent,omitempty"`
	Sentiment      string `json:"sentiment,omitempty"`
	Summary        string `json:"summary,omitempty"`
	Confidence     string `json:"confidence,omitempty"`
	Priority       Tier   `json:"priority,omitempty"`
	PriorityReason string `json:"priority_reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WorkItem is one inbound message tracked through the pipeline.
type WorkItem struct {
	ID                  int64      `json:"id"`
	ExternalID          string     `json:"external_id"`
	Sender              string     `json:"sender"`
	Subject             string     `json:"subject"`
	BodyOriginal        string     `json:"body_original"`
	BodyRedacted        *string    `json:"body_redacted"`
	Analysis            *Analysis  `json:"analysis"`
	Summary             *string    `json:"suggested_action"`
	GeneratedReply      *string    `json:"generated_reply"`
	Status              Status     `json:"status"`
	ReceivedAt          time.Time  `json:"received_at"`
	IngestedAt          time.Time  `json:"ingested_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at"`
	ProcessedAt         *time.Time `json:"processed_at"`
}

// Stats aggregates the queue state.
type Stats struct {
	Pending    int64   `json:"pending"`
	Processing int64   `json:"processing"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	AvgLatency float64 `json:"avg_latency"`
}

// Page is one page of work items, newest first.
type Page struct {
	Items []*WorkItem `json:"items"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
	Pages int         `json:"pages"`
}
