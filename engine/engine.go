// Package engine advances workflow runs one step per invocation.
//
// Every state change is a version-guarded commit through the store. An
// advance first claims the run (status running plus a short lease), executes
// the current step, then commits the outcome against the claimed version, so
// a cancellation that lands mid-step is never overwritten.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/backoff"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/events"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// cancelRetries bounds how often Cancel re-reads a run that changed under it.
const cancelRetries = 3

// Store is the persistence the engine needs: runs plus the email queue for
// notify steps.
type Store interface {
	store.RunStore
	EnqueueEmail(ctx context.Context, e *types.EmailQueueItem) error
}

// Config holds retry and lease policy.
type Config struct {
	MaxAttempts    int
	Backoff        backoff.Strategy
	Lease          time.Duration
	WebhookTimeout time.Duration
}

// DefaultConfig returns the default policy: 3 attempts, 30s doubling backoff
// capped at 1h, 5m lease.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		Backoff:        &backoff.Exponential{Base: 30 * time.Second, Max: time.Hour},
		Lease:          5 * time.Minute,
		WebhookTimeout: 10 * time.Second,
	}
}

// Validate reports a ConfigurationError for unusable policy values.
func (c Config) Validate() error {
	const op = "engine.Config"
	switch {
	case c.MaxAttempts < 1:
		return apperr.Configuration(op, "max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.Backoff == nil:
		return apperr.Configuration(op, "backoff strategy is required")
	case c.Lease <= 0:
		return apperr.Configuration(op, "lease must be positive, got %s", c.Lease)
	}
	return nil
}

// Engine is the workflow run state machine.
type Engine struct {
	store      Store
	cfg        Config
	logger     *slog.Logger
	publisher  events.Publisher
	validator  *validator.Validator
	httpClient *http.Client
	expr       *ExprEvaluator
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPublisher sets the run event publisher.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithValidator validates definitions before their steps run.
func WithValidator(v *validator.Validator) Option { return func(e *Engine) { e.validator = v } }

// WithHTTPClient sets the client used by webhook steps.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.httpClient = c } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine. It returns a ConfigurationError for invalid policy.
func New(s Store, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:     s,
		cfg:       cfg,
		publisher: events.Nop{},
		expr:      NewExprEvaluator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.httpClient == nil {
		timeout := cfg.WebhookTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		e.httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return e, nil
}

// load fetches a run, hiding runs outside workspaceID when it is set.
func (e *Engine) load(ctx context.Context, op, workspaceID, runID string) (*types.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if workspaceID != "" && run.WorkspaceID != workspaceID {
		return nil, apperr.NotFound(op, "run %s not found", runID)
	}
	return run, nil
}

// Advance executes exactly one step of the run. workspaceID scopes the lookup
// for user-initiated calls; "" skips the scope check.
//
// Losing a race to another advance or a cancellation yields a Conflict;
// advancing a run that is not running or waiting yields InvalidState, as does
// a waiting run whose backoff or wait has not elapsed.
func (e *Engine) Advance(ctx context.Context, workspaceID, runID string) (*types.AdvanceResult, error) {
	return e.traced(ctx, "engine.Advance", workspaceID, runID, nil)
}

// Resume performs the advance a scheduled task was created for. A run that has
// since moved to another step or attempt yields InvalidState.
func (e *Engine) Resume(ctx context.Context, p *types.AdvanceWorkflowPayload) (*types.AdvanceResult, error) {
	return e.traced(ctx, "engine.Resume", "", p.RunID, p)
}

func (e *Engine) traced(ctx context.Context, op, workspaceID, runID string, expect *types.AdvanceWorkflowPayload) (*types.AdvanceResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "engine.advance",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Bool("run.scheduled", expect != nil),
		))
	defer span.End()

	res, err := e.advance(ctx, op, workspaceID, runID, expect)
	switch {
	case err == nil:
		span.SetAttributes(
			attribute.String("run.status", string(res.Status)),
			attribute.Int("run.step_index", res.CurrentStepIndex),
		)
	case apperr.IsConflict(err):
		metrics.AdvancesTotal.WithLabelValues("conflict").Inc()
		e.logger.Debug("advance lost race", slog.String("run_id", runID), slog.String("error", err.Error()))
	case apperr.KindOf(err) == apperr.KindInvalidState:
		metrics.AdvancesTotal.WithLabelValues("invalid_state").Inc()
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) advance(ctx context.Context, op, workspaceID, runID string, expect *types.AdvanceWorkflowPayload) (*types.AdvanceResult, error) {
	now := e.now()
	run, err := e.load(ctx, op, workspaceID, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Advanceable() {
		return nil, apperr.InvalidState(op, "run %s is %s", runID, run.Status)
	}
	if run.Leased(now) {
		return nil, apperr.Conflict(op, "run %s is already being advanced", runID)
	}
	// The claim below expects run.Version, so these checks hold at commit time.
	switch {
	case expect != nil && !expect.Matches(run):
		return nil, apperr.InvalidState(op, "run %s is at step %d attempt %d, task was for step %d attempt %d",
			runID, run.CurrentStepIndex, run.AttemptCount, expect.StepIndex, expect.AttemptCount)
	case expect == nil && run.Parked(now):
		return nil, apperr.InvalidState(op, "run %s is waiting until %s", runID, run.ResumeAt.Format(time.RFC3339))
	}

	def, err := e.store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return nil, err
	}

	// Claim: the only write that admits a single advance.
	claimed := run.Clone()
	if claimed.Status, err = transition(ctx, run.Status, triggerClaim); err != nil {
		return nil, apperr.InvalidState(op, "run %s: %v", runID, err)
	}
	lease := now.Add(e.cfg.Lease)
	claimed.LeaseUntil = &lease
	claimed.UpdatedAt = now
	cr, err := e.store.CommitRun(ctx, store.RunCommit{Run: claimed, ExpectVersion: run.Version})
	if err != nil {
		return nil, err
	}
	claimed.Version = cr.Version

	index := claimed.CurrentStepIndex
	var (
		outcome *stepOutcome
		stepErr *stepError
		defErr  error
	)
	if e.validator != nil {
		defErr = e.validator.ValidateDefinition(def).Err()
	}
	switch {
	case defErr != nil:
		stepErr = &stepError{Fatal: true, Err: defErr}
	case index >= len(def.Steps):
		outcome = &stepOutcome{}
	default:
		action := def.Steps[index].Action
		started := time.Now()
		outcome, stepErr = e.execute(ctx, claimed, def, index)
		status := "succeeded"
		if stepErr != nil {
			status = "failed"
		}
		metrics.StepDuration.WithLabelValues(string(action), status).Observe(time.Since(started).Seconds())
	}

	final := claimed.Clone()
	final.LeaseUntil = nil
	final.ResumeAt = nil
	final.UpdatedAt = e.now()
	commit := store.RunCommit{Run: final, ExpectVersion: claimed.Version}
	var nextAttempt *time.Time

	if stepErr == nil {
		nextAttempt, err = e.applySuccess(ctx, &commit, def, outcome)
	} else {
		nextAttempt, err = e.applyFailure(ctx, &commit, def, stepErr)
	}
	if err != nil {
		return nil, err
	}

	cr, err = e.store.CommitRun(ctx, commit)
	if err != nil {
		// A cancellation or another writer bumped the version mid-step.
		return nil, err
	}
	final.Version = cr.Version

	e.observe(ctx, run.Status, final, index, stepErr, commit.Alert, cr.AlertCreated)

	return &types.AdvanceResult{
		RunID:            final.ID,
		Status:           final.Status,
		CurrentStepIndex: final.CurrentStepIndex,
		AttemptCount:     final.AttemptCount,
		NextAttemptAt:    nextAttempt,
	}, nil
}

// applySuccess fills commit for a step that succeeded.
func (e *Engine) applySuccess(ctx context.Context, commit *store.RunCommit, def *types.WorkflowDefinition, outcome *stepOutcome) (*time.Time, error) {
	run := commit.Run
	if len(outcome.Output) > 0 {
		if run.Context == nil {
			run.Context = make(map[string]interface{}, len(outcome.Output))
		}
		for k, v := range outcome.Output {
			run.Context[k] = v
		}
	}
	if run.CurrentStepIndex < len(def.Steps) {
		run.CurrentStepIndex++
	}
	run.AttemptCount = 0
	run.LastError = ""

	t := triggerContinue
	switch {
	case run.CurrentStepIndex >= len(def.Steps):
		t = triggerComplete
	case outcome.WaitUntil != nil:
		t = triggerWait
	}
	next, err := transition(ctx, run.Status, t)
	if err != nil {
		return nil, apperr.InvalidState("engine.Advance", "run %s: %v", run.ID, err)
	}
	run.Status = next

	if t != triggerWait {
		return nil, nil
	}
	return e.followUp(commit, run, *outcome.WaitUntil)
}

// applyFailure fills commit for a failed step: retry later or fail the run.
func (e *Engine) applyFailure(ctx context.Context, commit *store.RunCommit, def *types.WorkflowDefinition, stepErr *stepError) (*time.Time, error) {
	run := commit.Run
	run.AttemptCount++
	run.LastError = stepErr.Error()

	if stepErr.Fatal || run.AttemptCount >= e.cfg.MaxAttempts {
		next, err := transition(ctx, run.Status, triggerFail)
		if err != nil {
			return nil, apperr.InvalidState("engine.Advance", "run %s: %v", run.ID, err)
		}
		run.Status = next
		commit.Alert = &types.Alert{
			WorkspaceID: run.WorkspaceID,
			Kind:        types.AlertKindRunFailed,
			SubjectID:   run.ID,
			Severity:    types.SeverityCritical,
			Metadata: map[string]interface{}{
				"definition_id": def.ID,
				"step_index":    run.CurrentStepIndex,
				"attempts":      run.AttemptCount,
				"error":         run.LastError,
				"fatal":         stepErr.Fatal,
			},
			CreatedAt: e.now(),
		}
		return nil, nil
	}

	next, err := transition(ctx, run.Status, triggerWait)
	if err != nil {
		return nil, apperr.InvalidState("engine.Advance", "run %s: %v", run.ID, err)
	}
	run.Status = next
	return e.followUp(commit, run, e.now().Add(e.cfg.Backoff.Delay(run.AttemptCount)))
}

func (e *Engine) followUp(commit *store.RunCommit, run *types.WorkflowRun, due time.Time) (*time.Time, error) {
	task, err := types.NewTask("", run.WorkspaceID, types.AdvanceWorkflowPayload{
		RunID:        run.ID,
		StepIndex:    run.CurrentStepIndex,
		AttemptCount: run.AttemptCount,
	}, due)
	if err != nil {
		return nil, err
	}
	run.ResumeAt = &due
	commit.FollowUp = task
	return &due, nil
}

// observe records metrics, logs and best-effort events for a committed advance.
func (e *Engine) observe(ctx context.Context, from types.RunStatus, run *types.WorkflowRun, index int, stepErr *stepError, alert *types.Alert, alertCreated bool) {
	log := e.logger.With(
		slog.String("run_id", run.ID),
		slog.String("workspace_id", run.WorkspaceID),
		slog.Int("step_index", index),
	)

	switch {
	case stepErr == nil:
		metrics.AdvancesTotal.WithLabelValues("step_completed").Inc()
		log.Info("step completed", slog.String("status", string(run.Status)))
		e.publish(ctx, types.EventTypeStepCompleted, run, map[string]interface{}{"step_index": index})
	case run.Status == types.RunStatusFailed:
		metrics.AdvancesTotal.WithLabelValues("failed").Inc()
		log.Warn("run failed",
			slog.Int("attempts", run.AttemptCount),
			slog.Bool("fatal", stepErr.Fatal),
			slog.String("error", stepErr.Error()),
		)
		e.publish(ctx, types.EventTypeStepFailed, run, map[string]interface{}{"step_index": index, "error": stepErr.Error()})
	default:
		metrics.AdvancesTotal.WithLabelValues("retry_scheduled").Inc()
		log.Warn("step failed, retry scheduled",
			slog.Int("attempts", run.AttemptCount),
			slog.String("error", stepErr.Error()),
		)
		e.publish(ctx, types.EventTypeStepFailed, run, map[string]interface{}{"step_index": index, "error": stepErr.Error()})
	}

	if run.Status.IsTerminal() {
		metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	}
	if alert != nil && alertCreated {
		metrics.AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()
		e.publish(ctx, types.EventTypeAlertRaised, run, map[string]interface{}{"kind": alert.Kind, "subject_id": alert.SubjectID})
	}
	e.publish(ctx, types.EventTypeRunStatus, run, types.RunStatusEvent{
		From:             from,
		To:               run.Status,
		CurrentStepIndex: run.CurrentStepIndex,
		AttemptCount:     run.AttemptCount,
		Error:            run.LastError,
	})
}

func (e *Engine) publish(ctx context.Context, typ types.EventType, run *types.WorkflowRun, data interface{}) {
	evt, err := events.NewEvent(typ, run.WorkspaceID, run.ID, data)
	if err == nil {
		err = e.publisher.Publish(ctx, evt)
	}
	if err != nil {
		e.logger.Warn("publish event failed", slog.String("type", string(typ)), slog.String("error", err.Error()))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(typ)).Inc()
}

// Start moves a pending run to running and performs its first advance.
func (e *Engine) Start(ctx context.Context, workspaceID, runID string) (*types.AdvanceResult, error) {
	const op = "engine.Start"
	run, err := e.load(ctx, op, workspaceID, runID)
	if err != nil {
		return nil, err
	}
	next := run.Clone()
	if next.Status, err = transition(ctx, run.Status, triggerStart); err != nil {
		return nil, apperr.InvalidState(op, "run %s is %s", runID, run.Status)
	}
	next.UpdatedAt = e.now()
	if _, err := e.store.CommitRun(ctx, store.RunCommit{Run: next, ExpectVersion: run.Version}); err != nil {
		return nil, err
	}
	e.publish(ctx, types.EventTypeRunStatus, next, types.RunStatusEvent{From: run.Status, To: next.Status})
	return e.Advance(ctx, workspaceID, runID)
}

// Cancel moves a non-terminal run to cancelled. It does not wait for an
// in-flight advance; that advance's final commit loses instead.
func (e *Engine) Cancel(ctx context.Context, workspaceID, runID string) (*types.WorkflowRun, error) {
	const op = "engine.Cancel"
	var lastErr error
	for i := 0; i < cancelRetries; i++ {
		run, err := e.load(ctx, op, workspaceID, runID)
		if err != nil {
			return nil, err
		}
		next := run.Clone()
		if next.Status, err = transition(ctx, run.Status, triggerCancel); err != nil {
			return nil, apperr.InvalidState(op, "run %s is %s", runID, run.Status)
		}
		next.LeaseUntil = nil
		next.ResumeAt = nil
		next.UpdatedAt = e.now()

		cr, err := e.store.CommitRun(ctx, store.RunCommit{Run: next, ExpectVersion: run.Version})
		if err != nil {
			if apperr.IsConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		next.Version = cr.Version

		metrics.RunsTotal.WithLabelValues(string(types.RunStatusCancelled)).Inc()
		e.logger.Info("run cancelled", slog.String("run_id", runID), slog.String("from", string(run.Status)))
		e.publish(ctx, types.EventTypeRunStatus, next, types.RunStatusEvent{
			From:             run.Status,
			To:               next.Status,
			CurrentStepIndex: next.CurrentStepIndex,
			AttemptCount:     next.AttemptCount,
		})
		return next, nil
	}
	return nil, lastErr
}
