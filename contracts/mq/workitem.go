package mq

import "time"

// Routing keys for work item lifecycle events.
const (
	RoutingKeyWorkItemCompleted = "workitem.completed"
	RoutingKeyWorkItemFailed    = "workitem.failed"
)

// AggregateWorkItem is the outbox aggregate type for work item events.
const AggregateWorkItem = "work_item"

// WorkItemFinalizedPayload is published once a work item reaches a terminal status.
type WorkItemFinalizedPayload struct {
	ItemID      int64     `json:"item_id"`
	ExternalID  string    `json:"external_id"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority,omitempty"`
	Intent      string    `json:"intent,omitempty"`
	HasReply    bool      `json:"has_reply"`
	TraceID     string    `json:"trace_id,omitempty"`
	FinalizedAt time.Time `json:"finalized_at"`
}
