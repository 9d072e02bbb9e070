// Package anomaly detects stale bots and failure-rate spikes across all
// workspaces and raises deduplicated alerts.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/events"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// Store is the persistence the scanner needs.
type Store interface {
	store.BotStore
	CreateAlert(ctx context.Context, a *types.Alert) error
}

// Config holds detector thresholds.
type Config struct {
	// StaleThreshold is how long a bot may go without a heartbeat.
	StaleThreshold time.Duration

	// TrailingWindow is the recent window whose failure ratio is tested.
	TrailingWindow time.Duration

	// BaselineWindow is the longer window the trailing ratio is compared
	// against. The trailing window is excluded from the baseline.
	BaselineWindow time.Duration

	// SpikeMultiplier is how many times the baseline ratio the trailing
	// ratio must exceed.
	SpikeMultiplier float64

	// MinSamples is the minimum number of executions in the trailing window.
	MinSamples int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() *Config {
	return &Config{
		StaleThreshold:  15 * time.Minute,
		TrailingWindow:  15 * time.Minute,
		BaselineWindow:  24 * time.Hour,
		SpikeMultiplier: 3,
		MinSamples:      5,
	}
}

// Validate reports a ConfigurationError for missing or unusable thresholds.
func (c *Config) Validate() error {
	const op = "anomaly.Config"
	switch {
	case c.StaleThreshold <= 0:
		return apperr.Configuration(op, "stale threshold must be positive, got %s", c.StaleThreshold)
	case c.TrailingWindow <= 0:
		return apperr.Configuration(op, "trailing window must be positive, got %s", c.TrailingWindow)
	case c.BaselineWindow <= c.TrailingWindow:
		return apperr.Configuration(op, "baseline window %s must exceed trailing window %s", c.BaselineWindow, c.TrailingWindow)
	case c.SpikeMultiplier <= 0:
		return apperr.Configuration(op, "spike multiplier must be positive, got %v", c.SpikeMultiplier)
	case c.MinSamples < 1:
		return apperr.Configuration(op, "min samples must be at least 1, got %d", c.MinSamples)
	}
	return nil
}

// Scanner runs the stale-bot and failure-spike detectors.
type Scanner struct {
	store     Store
	cfg       *Config
	logger    *slog.Logger
	publisher events.Publisher
	now       func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scanner) { s.logger = l } }

// WithPublisher publishes an event for every alert created.
func WithPublisher(p events.Publisher) Option { return func(s *Scanner) { s.publisher = p } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Scanner) { s.now = now } }

// New creates a scanner.
func New(st Store, cfg *Config, opts ...Option) (*Scanner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scanner{
		store:     st,
		cfg:       cfg,
		publisher: events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// ScanAllWorkspaces runs both detectors over every workspace.
func (s *Scanner) ScanAllWorkspaces(ctx context.Context) (*types.ScanSummary, error) {
	return s.scan(ctx, "anomaly_scan", true)
}

// ScanStaleBots runs only the staleness detector over every workspace.
func (s *Scanner) ScanStaleBots(ctx context.Context) (*types.ScanSummary, error) {
	return s.scan(ctx, "stale_bot_scan", false)
}

func (s *Scanner) scan(ctx context.Context, job string, spikes bool) (*types.ScanSummary, error) {
	timer := prometheus.NewTimer(metrics.TickDuration.WithLabelValues(job))
	defer timer.ObserveDuration()
	ctx, span := tracing.Tracer().Start(ctx, "anomaly."+job)
	defer span.End()

	// The workset is read fresh every invocation.
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	now := s.now()
	summary := &types.ScanSummary{}
	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("scan interrupted", slog.String("job", job), slog.String("error", err.Error()))
			break
		}
		created, err := s.scanWorkspace(ctx, ws.ID, now, spikes)
		summary.AlertsCreated += created
		if err != nil {
			s.logger.Warn("workspace scan failed",
				slog.String("workspace_id", ws.ID),
				slog.String("job", job),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.WorkspacesScanned++
	}

	span.SetAttributes(
		attribute.Int("workspaces.scanned", summary.WorkspacesScanned),
		attribute.Int("alerts.created", summary.AlertsCreated),
	)
	s.logger.Info("scan complete",
		slog.String("job", job),
		slog.Int("workspaces", len(workspaces)),
		slog.Int("scanned", summary.WorkspacesScanned),
		slog.Int("alerts_created", summary.AlertsCreated),
	)
	return summary, nil
}

func (s *Scanner) scanWorkspace(ctx context.Context, workspaceID string, now time.Time, spikes bool) (int, error) {
	created, err := s.detectStale(ctx, workspaceID, now)
	if err != nil || !spikes {
		return created, err
	}
	n, err := s.detectSpikes(ctx, workspaceID, now)
	return created + n, err
}

// detectStale raises bot_stale for bots past the heartbeat threshold and
// marks them stale. The alert is written before the mark so a crash between
// the two is repaired by the next scan.
func (s *Scanner) detectStale(ctx context.Context, workspaceID string, now time.Time) (int, error) {
	bots, err := s.store.ListBots(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("list bots: %w", err)
	}

	created := 0
	for _, b := range bots {
		if b.Status != types.BotStatusActive || b.LastHeartbeatAt == nil {
			continue
		}
		silent := now.Sub(*b.LastHeartbeatAt)
		if silent <= s.cfg.StaleThreshold {
			continue
		}

		ok, err := s.raise(ctx, &types.Alert{
			WorkspaceID: workspaceID,
			Kind:        types.AlertKindBotStale,
			SubjectID:   b.ID,
			Severity:    types.SeverityWarning,
			Metadata: map[string]interface{}{
				"bot_name":          b.Name,
				"last_heartbeat_at": b.LastHeartbeatAt.Format(time.RFC3339),
				"silent_seconds":    int64(silent.Seconds()),
			},
			CreatedAt: now,
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}

		if err := s.store.MarkBotStale(ctx, b.ID, b.Version, now); err != nil && !apperr.IsConflict(err) {
			return created, fmt.Errorf("mark bot %s stale: %w", b.ID, err)
		}
	}
	return created, nil
}

// detectSpikes compares each bot's trailing failure ratio with its baseline.
func (s *Scanner) detectSpikes(ctx context.Context, workspaceID string, now time.Time) (int, error) {
	trailingFrom := now.Add(-s.cfg.TrailingWindow)
	trailing, err := s.store.MetricWindows(ctx, workspaceID, trailingFrom, now)
	if err != nil {
		return 0, fmt.Errorf("trailing window: %w", err)
	}
	if len(trailing) == 0 {
		return 0, nil
	}
	baseline, err := s.store.MetricWindows(ctx, workspaceID, now.Add(-s.cfg.BaselineWindow), trailingFrom)
	if err != nil {
		return 0, fmt.Errorf("baseline window: %w", err)
	}

	created := 0
	for botID, recent := range trailing {
		base := baseline[botID]
		if !s.isSpike(recent, base) {
			continue
		}
		ok, err := s.raise(ctx, &types.Alert{
			WorkspaceID: workspaceID,
			Kind:        types.AlertKindFailureSpike,
			SubjectID:   botID,
			Severity:    types.SeverityWarning,
			Metadata: map[string]interface{}{
				"trailing_ratio":   recent.FailureRatio(),
				"trailing_samples": recent.Total(),
				"baseline_ratio":   base.FailureRatio(),
				"baseline_samples": base.Total(),
				"multiplier":       s.cfg.SpikeMultiplier,
			},
			CreatedAt: now,
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// isSpike reports whether recent exceeds the baseline by the multiplier with
// enough samples. A bot without baseline history never spikes.
func (s *Scanner) isSpike(recent, base types.MetricWindow) bool {
	if recent.Total() < s.cfg.MinSamples || base.Total() == 0 {
		return false
	}
	ratio := recent.FailureRatio()
	return ratio > 0 && ratio > base.FailureRatio()*s.cfg.SpikeMultiplier
}

// raise inserts a unless an unresolved alert with the same key exists.
func (s *Scanner) raise(ctx context.Context, a *types.Alert) (bool, error) {
	err := s.store.CreateAlert(ctx, a)
	switch {
	case err == nil:
	case apperr.IsConflict(err):
		s.logger.Debug("alert already open",
			slog.String("kind", string(a.Kind)),
			slog.String("subject_id", a.SubjectID),
		)
		return false, nil
	default:
		return false, fmt.Errorf("create %s alert: %w", a.Kind, err)
	}

	metrics.AlertsTotal.WithLabelValues(string(a.Kind)).Inc()
	s.logger.Info("alert raised",
		slog.String("workspace_id", a.WorkspaceID),
		slog.String("kind", string(a.Kind)),
		slog.String("subject_id", a.SubjectID),
	)
	evt, err := events.NewEvent(types.EventTypeAlertRaised, a.WorkspaceID, "", a)
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.logger.Warn("publish alert event failed", slog.String("error", err.Error()))
	}
	return true, nil
}
