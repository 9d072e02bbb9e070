// Package mailer drains the outbound email queue through a Transport.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/backoff"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/automation-go/pkg/types"
)

// Config holds delivery policy.
type Config struct {
	MaxAttempts int
	Backoff     backoff.Strategy

	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

// DefaultConfig returns 5 attempts, 1m doubling backoff capped at 6h, and a
// 10s send timeout.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		Backoff:     &backoff.Exponential{Base: time.Minute, Max: 6 * time.Hour},
		SendTimeout: 10 * time.Second,
	}
}

// Validate reports a ConfigurationError for unusable values.
func (c *Config) Validate() error {
	const op = "mailer.Config"
	switch {
	case c.MaxAttempts < 1:
		return apperr.Configuration(op, "max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.Backoff == nil:
		return apperr.Configuration(op, "backoff strategy is required")
	case c.SendTimeout <= 0:
		return apperr.Configuration(op, "send timeout must be positive, got %s", c.SendTimeout)
	}
	return nil
}

// Drainer sends due queue items in bounded batches.
type Drainer struct {
	store     store.EmailStore
	transport Transport
	cfg       *Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Drainer) { d.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Drainer) { d.now = now } }

// NewDrainer creates a drainer.
func NewDrainer(st store.EmailStore, transport Transport, cfg *Config, opts ...Option) (*Drainer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, apperr.Configuration("mailer.NewDrainer", "email transport is required")
	}
	d := &Drainer{
		store:     st,
		transport: transport,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// ProcessEmailQueue sends up to limit due items. Each item is claimed for
// twice the send timeout, so an overlapping drain or a retry_email task skips
// it and a crashed drain releases it once the claim lapses.
func (d *Drainer) ProcessEmailQueue(ctx context.Context, limit int) (*types.DrainSummary, error) {
	if limit < 1 {
		return nil, apperr.Configuration("mailer.ProcessEmailQueue", "limit must be at least 1, got %d", limit)
	}
	timer := prometheus.NewTimer(metrics.TickDuration.WithLabelValues("send_emails"))
	defer timer.ObserveDuration()
	ctx, span := tracing.Tracer().Start(ctx, "mailer.process_email_queue")
	defer span.End()

	due, err := d.store.ListDueEmails(ctx, d.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due emails: %w", err)
	}

	summary := &types.DrainSummary{}
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			d.logger.Warn("email drain interrupted", slog.String("error", err.Error()))
			break
		}
		d.deliver(ctx, item, summary)
	}

	span.SetAttributes(
		attribute.Int("emails.sent", summary.Sent),
		attribute.Int("emails.failed", summary.Failed),
		attribute.Int("emails.deadlettered", summary.Deadlettered),
	)
	d.logger.Info("email queue drained",
		slog.Int("due", len(due)),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed),
		slog.Int("deadlettered", summary.Deadlettered),
	)
	return summary, nil
}

func (d *Drainer) deliver(ctx context.Context, item *types.EmailQueueItem, summary *types.DrainSummary) {
	log := d.logger.With(slog.String("email_id", item.ID))

	lease := d.now().Add(2 * d.cfg.SendTimeout)
	claimed, err := d.store.ClaimEmail(ctx, item.ID, item.Version, lease)
	if err != nil {
		if apperr.IsConflict(err) {
			log.Debug("email already claimed")
		} else {
			log.Warn("claim email failed", slog.String("error", err.Error()))
		}
		return
	}

	sendErr := d.send(ctx, claimed)
	now := d.now()

	result := "sent"
	if sendErr == nil {
		claimed.Status = types.EmailStatusSent
		claimed.SentAt = &now
		claimed.LastError = ""
		summary.Sent++
	} else {
		claimed.Attempts++
		claimed.LastError = sendErr.Error()
		if claimed.Attempts >= d.cfg.MaxAttempts {
			claimed.Status = types.EmailStatusDeadletter
			result = "deadletter"
			summary.Deadlettered++
			log.Warn("email deadlettered", slog.Int("attempts", claimed.Attempts), slog.String("error", claimed.LastError))
		} else {
			claimed.NextAttemptAt = now.Add(d.cfg.Backoff.Delay(claimed.Attempts))
			result = "retry"
			summary.Failed++
			log.Warn("email send failed, retry scheduled",
				slog.Int("attempts", claimed.Attempts),
				slog.Time("next_attempt_at", claimed.NextAttemptAt),
				slog.String("error", claimed.LastError),
			)
		}
	}
	metrics.EmailsTotal.WithLabelValues(result).Inc()
	claimed.ClaimedUntil = nil
	claimed.UpdatedAt = now

	if err := d.store.SaveEmail(ctx, claimed, claimed.Version); err != nil {
		// The claim lease expires and the item is retried.
		log.Warn("save email state failed", slog.String("result", result), slog.String("error", err.Error()))
	}
}

// send calls the transport under the per-item timeout. A panicking transport
// counts as a failed send. A transport that ignores ctx is abandoned when the
// timeout fires so the outcome is recorded while the claim is still held.
func (d *Drainer) send(ctx context.Context, item *types.EmailQueueItem) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- apperr.E(apperr.KindTransport, "mailer.send", "transport panic: %v", r)
			}
		}()
		done <- d.transport.Send(ctx, item.To, item.Subject, item.Body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperr.E(apperr.KindTransport, "mailer.send", "send to %s abandoned: %v", item.To, ctx.Err())
	}
}
