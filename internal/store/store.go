// Package store provides persistence for runs, scheduled tasks, alerts, bots
// and the email queue. Every coordinated write is a conditional update guarded
// by the row's version; a write whose guard no longer holds returns an
// apperr Conflict.
package store

import (
	"context"
	"time"

	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// RunStore persists workflow definitions and runs.
type RunStore interface {
	CreateDefinition(ctx context.Context, def *types.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*types.WorkflowDefinition, error)

	CreateRun(ctx context.Context, run *types.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*types.WorkflowRun, error)

	// CommitRun writes c.Run when the stored version still equals
	// c.ExpectVersion. The follow-up task and alert are written in the same
	// unit; a duplicate unresolved alert is skipped without failing the commit.
	CommitRun(ctx context.Context, c RunCommit) (CommitResult, error)
}

// RunCommit is a guarded run write plus the records it emits.
type RunCommit struct {
	Run           *types.WorkflowRun
	ExpectVersion int64
	FollowUp      *types.ScheduledTask
	Alert         *types.Alert
}

// CommitResult reports what a CommitRun actually wrote.
type CommitResult struct {
	Version      int64
	AlertCreated bool
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *types.ScheduledTask) error
	GetTask(ctx context.Context, id string) (*types.ScheduledTask, error)

	// ListDueTasks returns pending tasks with DueAt <= now ordered by DueAt.
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledTask, error)

	// ClaimTask moves a pending task to running if its version is unchanged.
	ClaimTask(ctx context.Context, id string, expectVersion int64, now time.Time) (*types.ScheduledTask, error)

	// FinishTask moves a running task to done or failed if its version is unchanged.
	FinishTask(ctx context.Context, id string, expectVersion int64, status types.TaskStatus, lastError string, now time.Time) error

	// RescheduleTask moves a running task back to pending, due at dueAt, if its
	// version is unchanged.
	RescheduleTask(ctx context.Context, id string, expectVersion int64, dueAt time.Time, lastError string, now time.Time) error

	// RecoverStuckTasks returns running tasks last updated before cutoff to pending.
	RecoverStuckTasks(ctx context.Context, cutoff, now time.Time) (int, error)

	// ListFinishedTasks returns done/failed tasks last updated before cutoff.
	ListFinishedTasks(ctx context.Context, cutoff time.Time, limit int) ([]*types.ScheduledTask, error)
	DeleteTasks(ctx context.Context, ids []string) (int, error)
}

// AlertStore persists alerts.
type AlertStore interface {
	// CreateAlert inserts a unless an unresolved alert with the same
	// (WorkspaceID, Kind, SubjectID) exists, in which case it returns Conflict.
	CreateAlert(ctx context.Context, a *types.Alert) error
	ResolveAlert(ctx context.Context, workspaceID, id string, at time.Time) error
	ListAlerts(ctx context.Context, workspaceID string, unresolvedOnly bool) ([]*types.Alert, error)
}

// BotStore persists workspaces, bots and bot metrics.
type BotStore interface {
	CreateWorkspace(ctx context.Context, ws *types.Workspace) error
	// ListWorkspaces enumerates every workspace in one query.
	ListWorkspaces(ctx context.Context) ([]*types.Workspace, error)

	CreateBot(ctx context.Context, b *types.Bot) error
	ListBots(ctx context.Context, workspaceID string) ([]*types.Bot, error)
	MarkBotStale(ctx context.Context, id string, expectVersion int64, now time.Time) error

	RecordMetric(ctx context.Context, m *types.BotMetric) error
	// MetricWindows sums samples recorded in [from, to) per bot of a workspace.
	MetricWindows(ctx context.Context, workspaceID string, from, to time.Time) (map[string]types.MetricWindow, error)
}

// EmailStore persists the outbound email queue.
type EmailStore interface {
	EnqueueEmail(ctx context.Context, e *types.EmailQueueItem) error
	GetEmail(ctx context.Context, id string) (*types.EmailQueueItem, error)

	// ListDueEmails returns pending items with NextAttemptAt <= now ordered by NextAttemptAt.
	ListDueEmails(ctx context.Context, now time.Time, limit int) ([]*types.EmailQueueItem, error)

	// ClaimEmail pushes NextAttemptAt to leaseUntil if the version is
	// unchanged, hiding the item from overlapping drains while it is sent.
	ClaimEmail(ctx context.Context, id string, expectVersion int64, leaseUntil time.Time) (*types.EmailQueueItem, error)

	// SaveEmail writes delivery state if the version is unchanged.
	SaveEmail(ctx context.Context, e *types.EmailQueueItem, expectVersion int64) error

	// RequeueEmail makes a pending item due at now. Deadlettered items are
	// rejected with InvalidState; sent items are left untouched.
	RequeueEmail(ctx context.Context, id string, now time.Time) error

	CountEmails(ctx context.Context, status types.EmailStatus) (int, error)
}

// Store is the full persistence surface.
// Implementations must be safe for concurrent use.
type Store interface {
	RunStore
	TaskStore
	AlertStore
	BotStore
	EmailStore

	Ping(ctx context.Context) error
	Close() error
}
