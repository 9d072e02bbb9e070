// Package archive moves finished scheduled tasks out of the relational store
// into object storage as NDJSON.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// Store lists and removes finished tasks.
type Store interface {
	ListFinishedTasks(ctx context.Context, cutoff time.Time, limit int) ([]*types.ScheduledTask, error)
	DeleteTasks(ctx context.Context, ids []string) (int, error)
}

// Config holds archival policy.
type Config struct {
	// Retention keeps finished tasks in the store for this long.
	Retention time.Duration
	// BatchSize bounds the tasks written to one object.
	BatchSize int
}

// DefaultConfig keeps a week of history and archives 500 tasks per object.
func DefaultConfig() *Config {
	return &Config{Retention: 7 * 24 * time.Hour, BatchSize: 500}
}

// Validate reports a ConfigurationError for unusable values.
func (c *Config) Validate() error {
	if c.Retention <= 0 {
		return apperr.Configuration("archive.Config", "retention must be positive, got %s", c.Retention)
	}
	if c.BatchSize < 1 {
		return apperr.Configuration("archive.Config", "batch size must be at least 1, got %d", c.BatchSize)
	}
	return nil
}

// Archiver copies one batch of expired tasks per call.
type Archiver struct {
	store   Store
	backend Backend
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Archiver) { a.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(a *Archiver) { a.now = now } }

// New creates an archiver.
func New(st Store, backend Backend, cfg *Config, opts ...Option) (*Archiver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, apperr.Configuration("archive.New", "archive backend is required")
	}
	a := &Archiver{
		store:   st,
		backend: backend,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// ArchiveTasks uploads one batch of tasks finished before the retention
// cutoff and deletes them once the upload succeeded. A crash between upload
// and delete leaves the tasks in place, so the next pass archives them again.
func (a *Archiver) ArchiveTasks(ctx context.Context) (*types.ArchiveSummary, error) {
	timer := prometheus.NewTimer(metrics.TickDuration.WithLabelValues("archive_tasks"))
	defer timer.ObserveDuration()
	ctx, span := tracing.Tracer().Start(ctx, "archive.archive_tasks")
	defer span.End()

	now := a.now()
	tasks, err := a.store.ListFinishedTasks(ctx, now.Add(-a.cfg.Retention), a.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	summary := &types.ArchiveSummary{}
	if len(tasks) == 0 {
		return summary, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		ids = append(ids, t.ID)
	}

	key := fmt.Sprintf("%s/%s.ndjson", now.Format("2006/01/02"), uuid.New().String())
	ref, err := a.backend.Put(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "archive.ArchiveTasks", err)
	}

	n, err := a.store.DeleteTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("delete archived tasks: %w", err)
	}
	summary.Archived = n
	summary.Object = ref.URI
	metrics.TasksArchived.Add(float64(n))

	span.SetAttributes(attribute.Int("tasks.archived", n))
	a.logger.Info("tasks archived",
		slog.Int("count", n),
		slog.String("object", ref.URI),
		slog.Int64("bytes", ref.Size),
	)
	return summary, nil
}
