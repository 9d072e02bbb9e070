package types

import (
	"encoding/json"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeRunStatus     EventType = "run_status"
	EventTypeStepCompleted EventType = "step_completed"
	EventTypeStepFailed    EventType = "step_failed"
	EventTypeAlertRaised   EventType = "alert_raised"
)

// Event is a notification about a committed state change.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	RunID       string          `json:"run_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// RunStatusEvent is the data payload for run transitions.
type RunStatusEvent struct {
	From             RunStatus `json:"from"`
	To               RunStatus `json:"to"`
	CurrentStepIndex int       `json:"current_step_index"`
	AttemptCount     int       `json:"attempt_count"`
	Error            string    `json:"error,omitempty"`
}
