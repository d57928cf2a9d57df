package model

import "time"

// EventType classifies messages on a job's live progress feed.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventProgress     EventType = "progress"
	EventItemFailed   EventType = "item_failed"
	EventStageChanged EventType = "stage_changed"
	EventCompleted    EventType = "completed"
	EventError        EventType = "error"
)

// ProgressEvent is one message on a job's live progress feed. Delivery is
// at-least-once: a consumer that falls behind is disconnected and reconciles
// by re-reading job status after resubscribing.
type ProgressEvent struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status,omitempty"`
	Stage         Stage     `json:"stage,omitempty"`
	Progress      float64   `json:"progress"`
	TotalItems    int       `json:"total_items"`
	EnrichedItems int       `json:"enriched_items"`
	FailedItems   int       `json:"failed_items"`
	CurrentItem   string    `json:"current_item,omitempty"`
	Error         string    `json:"error,omitempty"`
	ETASeconds    *int64    `json:"eta_seconds,omitempty"`
	At            time.Time `json:"at"`
}
