// Package types provides shared types for the automation service.
package types

import (
	"encoding/json"
	"time"
)

// RunStatus represents the current state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Advanceable reports whether a run in this status accepts an advance.
func (s RunStatus) Advanceable() bool {
	return s == RunStatusRunning || s == RunStatusWaiting
}

// StepAction tags the kind of work a step performs.
type StepAction string

const (
	StepActionNotify  StepAction = "notify"
	StepActionWait    StepAction = "wait"
	StepActionWebhook StepAction = "webhook"
	StepActionSet     StepAction = "set"
	StepActionAssert  StepAction = "assert"
)

// Step is a single persisted step descriptor. Params are decoded into a
// typed step by the engine according to Action.
type Step struct {
	Name   string          `json:"name,omitempty"`
	Action StepAction      `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WorkflowDefinition is an ordered, immutable sequence of steps owned by a workspace.
type WorkflowDefinition struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkflowRun is one execution of a WorkflowDefinition.
type WorkflowRun struct {
	ID               string                 `json:"id"`
	DefinitionID     string                 `json:"definition_id"`
	WorkspaceID      string                 `json:"workspace_id"`
	Status           RunStatus              `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	AttemptCount     int                    `json:"attempt_count"`
	Context          map[string]interface{} `json:"context,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`

	// Version is bumped on every committed write and guards conditional updates.
	Version int64 `json:"version"`

	// LeaseUntil marks an advance in flight.
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	// ResumeAt is when a waiting run's follow-up advance is due.
	ResumeAt *time.Time `json:"resume_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leased reports whether another advance currently holds the run.
func (r *WorkflowRun) Leased(now time.Time) bool {
	return r.LeaseUntil != nil && now.Before(*r.LeaseUntil)
}

// Parked reports whether a waiting run is still inside its backoff or wait.
func (r *WorkflowRun) Parked(now time.Time) bool {
	return r.Status == RunStatusWaiting && r.ResumeAt != nil && now.Before(*r.ResumeAt)
}

// Clone returns a deep-enough copy for safe mutation by callers.
func (r *WorkflowRun) Clone() *WorkflowRun {
	c := *r
	if r.Context != nil {
		c.Context = make(map[string]interface{}, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	if r.LeaseUntil != nil {
		t := *r.LeaseUntil
		c.LeaseUntil = &t
	}
	if r.ResumeAt != nil {
		t := *r.ResumeAt
		c.ResumeAt = &t
	}
	return &c
}

// AdvanceResult is returned from a successful advance.
type AdvanceResult struct {
	RunID            string     `json:"run_id"`
	Status           RunStatus  `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	AttemptCount     int        `json:"attempt_count"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
}
