package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind names the action a scheduled task dispatches to.
type TaskKind string

const (
	TaskKindAdvanceWorkflow TaskKind = "advance_workflow"
	TaskKindRetryEmail      TaskKind = "retry_email"
	TaskKindSendReminder    TaskKind = "send_reminder"
)

// TaskStatus represents the lifecycle of a scheduled task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// ScheduledTask is a persisted unit of deferred work.
type ScheduledTask struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Kind        TaskKind        `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DueAt       time.Time       `json:"due_at"`
	Status      TaskStatus      `json:"status"`
	Attempt     int             `json:"attempt"`
	LastError   string          `json:"last_error,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskPayload is the closed set of typed task payloads.
// Implementations live in this package only.
type TaskPayload interface {
	TaskKind() TaskKind
	isTaskPayload()
}

// AdvanceWorkflowPayload redelivers an advance for a run. StepIndex and
// AttemptCount pin the run position the task was scheduled for; a run that
// has moved on since rejects the redelivery.
type AdvanceWorkflowPayload struct {
	RunID        string `json:"run_id"`
	StepIndex    int    `json:"step_index"`
	AttemptCount int    `json:"attempt_count"`
}

// Matches reports whether run is still at the position p was scheduled for.
func (p AdvanceWorkflowPayload) Matches(run *WorkflowRun) bool {
	return run.CurrentStepIndex == p.StepIndex && run.AttemptCount == p.AttemptCount
}

// RetryEmailPayload makes a pending email due immediately.
type RetryEmailPayload struct {
	EmailID string `json:"email_id"`
}

// SendReminderPayload enqueues a reminder email.
type SendReminderPayload struct {
	WorkspaceID string `json:"workspace_id"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

func (AdvanceWorkflowPayload) TaskKind() TaskKind { return TaskKindAdvanceWorkflow }
func (RetryEmailPayload) TaskKind() TaskKind      { return TaskKindRetryEmail }
func (SendReminderPayload) TaskKind() TaskKind    { return TaskKindSendReminder }

func (AdvanceWorkflowPayload) isTaskPayload() {}
func (RetryEmailPayload) isTaskPayload()      {}
func (SendReminderPayload) isTaskPayload()    {}

// NewTask builds a pending task for payload, due at dueAt.
func NewTask(id, workspaceID string, payload TaskPayload, dueAt time.Time) (*ScheduledTask, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", payload.TaskKind(), err)
	}
	return &ScheduledTask{
		ID:          id,
		WorkspaceID: workspaceID,
		Kind:        payload.TaskKind(),
		Payload:     data,
		DueAt:       dueAt,
		Status:      TaskStatusPending,
	}, nil
}

// DecodePayload returns the typed payload for the task's kind.
func (t *ScheduledTask) DecodePayload() (TaskPayload, error) {
	var p TaskPayload
	switch t.Kind {
	case TaskKindAdvanceWorkflow:
		p = &AdvanceWorkflowPayload{}
	case TaskKindRetryEmail:
		p = &RetryEmailPayload{}
	case TaskKindSendReminder:
		p = &SendReminderPayload{}
	default:
		return nil, fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t.Kind, err)
		}
	}
	return p, nil
}
