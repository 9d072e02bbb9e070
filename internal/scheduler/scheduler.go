// Package scheduler dispatches due scheduled tasks.
//
// ProcessScheduled is safe to run from overlapping ticks: every task is
// claimed with a version-guarded write before it is dispatched, so at most one
// invocation executes a given task. Transient failures put the task back to
// pending with backoff; only exhausted or permanent failures are terminal.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/backoff"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// Advancer performs the advance an advance_workflow task was scheduled for.
type Advancer interface {
	Resume(ctx context.Context, p *types.AdvanceWorkflowPayload) (*types.AdvanceResult, error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	store.TaskStore
	EnqueueEmail(ctx context.Context, e *types.EmailQueueItem) error
	RequeueEmail(ctx context.Context, id string, now time.Time) error
}

// Config holds scheduler configuration.
type Config struct {
	// BatchSize bounds how many due tasks one invocation looks at.
	BatchSize int

	// StuckAfter returns running tasks untouched for this long to pending.
	// Zero disables recovery.
	StuckAfter time.Duration

	// MaxAttempts bounds how often a transiently failing task is claimed.
	// Zero means the default.
	MaxAttempts int

	// Backoff spaces retries of a transiently failing task. Nil means the default.
	Backoff backoff.Strategy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   50,
		StuckAfter:  15 * time.Minute,
		MaxAttempts: 5,
		Backoff:     &backoff.Exponential{Base: 30 * time.Second, Max: 10 * time.Minute},
	}
}

// Validate reports a ConfigurationError for unusable values.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return apperr.Configuration("scheduler.Config", "batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.StuckAfter < 0 {
		return apperr.Configuration("scheduler.Config", "stuck_after must not be negative, got %s", c.StuckAfter)
	}
	if c.MaxAttempts < 0 {
		return apperr.Configuration("scheduler.Config", "max attempts must not be negative, got %d", c.MaxAttempts)
	}
	return nil
}

// Scheduler dispatches due tasks to their handlers.
type Scheduler struct {
	store  Store
	engine Advancer
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a new scheduler.
func New(st Store, engine Advancer, cfg *Config, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := *cfg
	def := DefaultConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff == nil {
		c.Backoff = def.Backoff
	}
	s := &Scheduler{
		store:  st,
		engine: engine,
		cfg:    &c,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// ProcessScheduled claims and dispatches up to BatchSize due tasks in DueAt
// order. Per-task failures are recorded on the task and counted; only a
// failure to list the batch fails the invocation.
func (s *Scheduler) ProcessScheduled(ctx context.Context) (*types.DispatchSummary, error) {
	timer := prometheus.NewTimer(metrics.TickDuration.WithLabelValues("process_scheduled"))
	defer timer.ObserveDuration()
	ctx, span := tracing.Tracer().Start(ctx, "scheduler.process_scheduled")
	defer span.End()

	summary := &types.DispatchSummary{}
	now := s.now()

	if s.cfg.StuckAfter > 0 {
		n, err := s.store.RecoverStuckTasks(ctx, now.Add(-s.cfg.StuckAfter), now)
		if err != nil {
			s.logger.Warn("recover stuck tasks failed", slog.String("error", err.Error()))
		} else if n > 0 {
			summary.Recovered = n
			metrics.TasksRecovered.Add(float64(n))
			s.logger.Info("recovered stuck tasks", slog.Int("count", n))
		}
	}

	due, err := s.store.ListDueTasks(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}

	for _, t := range due {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("scheduled tick interrupted", slog.String("error", err.Error()))
			break
		}
		s.processOne(ctx, t, summary)
	}

	span.SetAttributes(
		attribute.Int("tasks.claimed", summary.Claimed),
		attribute.Int("tasks.failed", summary.Failed),
		attribute.Int("tasks.retried", summary.Retried),
	)
	s.logger.Info("scheduled tasks processed",
		slog.Int("due", len(due)),
		slog.Int("claimed", summary.Claimed),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("retried", summary.Retried),
	)
	return summary, nil
}

func (s *Scheduler) processOne(ctx context.Context, t *types.ScheduledTask, summary *types.DispatchSummary) {
	log := s.logger.With(slog.String("task_id", t.ID), slog.String("kind", string(t.Kind)))

	claimed, err := s.store.ClaimTask(ctx, t.ID, t.Version, s.now())
	if err != nil {
		if apperr.IsConflict(err) {
			log.Debug("task already claimed")
		} else {
			log.Warn("claim task failed", slog.String("error", err.Error()))
		}
		return
	}
	summary.Claimed++

	ctx, span := tracing.Tracer().Start(ctx, "scheduler.dispatch",
		trace.WithAttributes(attribute.String("task.kind", string(claimed.Kind))))
	herr := s.dispatch(ctx, claimed)
	span.End()

	if herr != nil && retryable(herr) && claimed.Attempt < s.cfg.MaxAttempts {
		now := s.now()
		dueAt := now.Add(s.cfg.Backoff.Delay(claimed.Attempt))
		summary.Retried++
		metrics.TasksTotal.WithLabelValues(string(claimed.Kind), "retry").Inc()
		log.Warn("task deferred",
			slog.Int("attempt", claimed.Attempt),
			slog.Time("due_at", dueAt),
			slog.String("error", herr.Error()),
		)
		if err := s.store.RescheduleTask(ctx, claimed.ID, claimed.Version, dueAt, herr.Error(), now); err != nil {
			log.Warn("reschedule task failed", slog.String("error", err.Error()))
		}
		return
	}

	status, lastError := types.TaskStatusDone, ""
	switch {
	case herr == nil:
		summary.Succeeded++
	case apperr.IsConflict(herr):
		// Out of attempts while the run stayed busy; whoever holds it carries on.
		summary.Succeeded++
		log.Info("advance still contended, giving up", slog.Int("attempt", claimed.Attempt))
	default:
		status, lastError = types.TaskStatusFailed, herr.Error()
		summary.Failed++
		log.Warn("task failed", slog.Int("attempt", claimed.Attempt), slog.String("error", lastError))
	}
	metrics.TasksTotal.WithLabelValues(string(claimed.Kind), string(status)).Inc()

	if err := s.store.FinishTask(ctx, claimed.ID, claimed.Version, status, lastError, s.now()); err != nil {
		// A conflict here means a stuck sweep reclaimed the task mid-dispatch.
		log.Warn("finish task failed", slog.String("error", err.Error()))
	}
}

// retryable reports whether a dispatch error may clear on a later attempt:
// store or transport failures, and an advance that found the run leased.
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindUnknown, apperr.KindTransport, apperr.KindConflict:
		return true
	default:
		return false
	}
}

// dispatch runs the handler for the task's payload.
func (s *Scheduler) dispatch(ctx context.Context, t *types.ScheduledTask) error {
	payload, err := t.DecodePayload()
	if err != nil {
		return apperr.E(apperr.KindInvalidState, "scheduler.dispatch", "task %s: %v", t.ID, err)
	}

	switch p := payload.(type) {
	case *types.AdvanceWorkflowPayload:
		_, err := s.engine.Resume(ctx, p)
		switch {
		case err == nil:
			return nil
		case apperr.KindOf(err) == apperr.KindInvalidState:
			// The run moved past this task, or it was cancelled or finished.
			s.logger.Debug("advance redelivery was a no-op",
				slog.String("run_id", p.RunID),
				slog.String("reason", err.Error()),
			)
			return nil
		default:
			return fmt.Errorf("advance run %s: %w", p.RunID, err)
		}

	case *types.RetryEmailPayload:
		if err := s.store.RequeueEmail(ctx, p.EmailID, s.now()); err != nil {
			return fmt.Errorf("requeue email %s: %w", p.EmailID, err)
		}
		return nil

	case *types.SendReminderPayload:
		workspaceID := p.WorkspaceID
		if workspaceID == "" {
			workspaceID = t.WorkspaceID
		}
		item := &types.EmailQueueItem{
			WorkspaceID:   workspaceID,
			To:            p.To,
			Subject:       p.Subject,
			Body:          p.Body,
			Status:        types.EmailStatusPending,
			NextAttemptAt: s.now(),
		}
		if item.To == "" {
			return apperr.E(apperr.KindInvalidState, "scheduler.dispatch", "reminder task %s has no recipient", t.ID)
		}
		if err := s.store.EnqueueEmail(ctx, item); err != nil {
			return fmt.Errorf("enqueue reminder: %w", err)
		}
		return nil

	default:
		return apperr.E(apperr.KindInvalidState, "scheduler.dispatch", "no handler for task payload %T", payload)
	}
}
