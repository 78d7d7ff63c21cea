package domain

import "time"

// EventType identifies a run or stage lifecycle event
type EventType string

const (
	EventTypeRunSubmitted   EventType = "run.submitted"
	EventTypeRunCompleted   EventType = "run.completed"
	EventTypeRunFailed      EventType = "run.failed"
	EventTypeRunCancelled   EventType = "run.cancelled"
	EventTypeStageReady     EventType = "stage.ready"
	EventTypeStageStarted   EventType = "stage.started"
	EventTypeStageSucceeded EventType = "stage.succeeded"
	EventTypeStageFailed    EventType = "stage.failed"
)

// Event topics
const (
	TopicRunEvents   = "run.events"
	TopicStageEvents = "stage.events"
)

// Event is published on the event bus whenever a run or stage changes state
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	StageID   string                 `json:"stage_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
