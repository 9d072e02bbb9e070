package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/config"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// RunService drives workflow runs on behalf of a user.
type RunService interface {
	Start(ctx context.Context, workspaceID, runID string) (*types.AdvanceResult, error)
	Advance(ctx context.Context, workspaceID, runID string) (*types.AdvanceResult, error)
	Cancel(ctx context.Context, workspaceID, runID string) (*types.WorkflowRun, error)
}

// TaskProcessor runs one scheduled-task pass.
type TaskProcessor interface {
	ProcessScheduled(ctx context.Context) (*types.DispatchSummary, error)
}

// WorkspaceScanner runs the monitoring scans.
type WorkspaceScanner interface {
	ScanAllWorkspaces(ctx context.Context) (*types.ScanSummary, error)
	ScanStaleBots(ctx context.Context) (*types.ScanSummary, error)
}

// EmailDrainer sends queued email.
type EmailDrainer interface {
	ProcessEmailQueue(ctx context.Context, limit int) (*types.DrainSummary, error)
}

// TaskArchiver archives finished tasks.
type TaskArchiver interface {
	ArchiveTasks(ctx context.Context) (*types.ArchiveSummary, error)
}

// Store is the persistence the handlers touch directly.
type Store interface {
	ResolveAlert(ctx context.Context, workspaceID, id string, at time.Time) error
	Ping(ctx context.Context) error
}

// Deps are the components behind the routes. Archiver may be nil.
type Deps struct {
	Runs      RunService
	Scheduler TaskProcessor
	Scanner   WorkspaceScanner
	Mailer    EmailDrainer
	Archiver  TaskArchiver
	Store     Store
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	deps   Deps
	config *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		deps:   deps,
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.deps.Store.Ping(ctx); err != nil {
		h.writeErrorResponse(w, r, http.StatusServiceUnavailable, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Periodic Triggers ---

// AnomalyScan handles POST /api/cron/anomaly-scan
func (h *Handlers) AnomalyScan(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, func(ctx context.Context) (interface{}, error) {
		return h.deps.Scanner.ScanAllWorkspaces(ctx)
	})
}

// StaleBotScan handles POST /api/cron/stale-bot-scan
func (h *Handlers) StaleBotScan(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, func(ctx context.Context) (interface{}, error) {
		return h.deps.Scanner.ScanStaleBots(ctx)
	})
}

// SendEmails handles POST /api/cron/send-emails
func (h *Handlers) SendEmails(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, func(ctx context.Context) (interface{}, error) {
		return h.deps.Mailer.ProcessEmailQueue(ctx, h.config.Email.BatchLimit)
	})
}

// ProcessScheduled handles POST /api/cron/process-scheduled
func (h *Handlers) ProcessScheduled(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, func(ctx context.Context) (interface{}, error) {
		return h.deps.Scheduler.ProcessScheduled(ctx)
	})
}

// ArchiveTasks handles POST /api/cron/archive-tasks
func (h *Handlers) ArchiveTasks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archiver == nil {
		h.respondJSON(w, http.StatusOK, &types.ArchiveSummary{})
		return
	}
	h.runJob(w, r, func(ctx context.Context) (interface{}, error) {
		return h.deps.Archiver.ArchiveTasks(ctx)
	})
}

// runJob writes the job summary, or an error when the whole invocation failed.
func (h *Handlers) runJob(w http.ResponseWriter, r *http.Request, job func(context.Context) (interface{}, error)) {
	summary, err := job(r.Context())
	if err != nil {
		h.writeErrorResponse(w, r, jobErrorStatus(err), err)
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

// --- Workflow Runs ---

// StartRun handles POST /api/v1/workflow-runs/{id}/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	h.userAction(w, r, func(ctx context.Context, id *auth.Identity, target string) (interface{}, error) {
		return h.deps.Runs.Start(ctx, id.WorkspaceID, target)
	})
}

// AdvanceRun handles POST /api/v1/workflow-runs/{id}/advance
func (h *Handlers) AdvanceRun(w http.ResponseWriter, r *http.Request) {
	h.userAction(w, r, func(ctx context.Context, id *auth.Identity, target string) (interface{}, error) {
		return h.deps.Runs.Advance(ctx, id.WorkspaceID, target)
	})
}

// CancelRun handles POST /api/v1/workflow-runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	h.userAction(w, r, func(ctx context.Context, id *auth.Identity, target string) (interface{}, error) {
		return h.deps.Runs.Cancel(ctx, id.WorkspaceID, target)
	})
}

// --- Alerts ---

// ResolveAlert handles POST /api/v1/alerts/{id}/resolve
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.userAction(w, r, func(ctx context.Context, id *auth.Identity, target string) (interface{}, error) {
		at := h.now()
		if err := h.deps.Store.ResolveAlert(ctx, id.WorkspaceID, target, at); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": target, "resolved_at": at}, nil
	})
}

// userAction runs a workspace-scoped operation. Every operation error is a
// 400 carrying its message.
func (h *Handlers) userAction(w http.ResponseWriter, r *http.Request, op func(context.Context, *auth.Identity, string) (interface{}, error)) {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		auth.Unauthorized(w)
		return
	}
	target := mux.Vars(r)["id"]
	if target == "" {
		h.writeErrorResponse(w, r, http.StatusBadRequest, errors.New("id is required"))
		return
	}

	result, err := op(r.Context(), id, target)
	if err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
