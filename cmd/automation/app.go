package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/flexinfer/mentatlab/services/automation-go/engine"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/anomaly"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/archive"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/backoff"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/config"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/events"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/mailer"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/validator"
)

// app holds the wired components shared by serve and tick.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	publisher events.Publisher
	tracer    *tracing.Provider

	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	scanner   *anomaly.Scanner
	mailer    *mailer.Drainer
	archiver  *archive.Archiver // nil unless archive.enabled
}

func loadConfig(serving bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	if err := cfg.Validate(serving); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level, format string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler).With(slog.String("service", "automation"))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL, store.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return s, nil
	default:
		logger.Warn("using in-memory store; state is lost on restart and not shared between instances")
		return store.NewMemoryStore(), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, publisher: events.Nop{}}

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "mentatlab-automation",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp

	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if cfg.Redis.URL != "" {
		pub, err := events.NewRedisPublisher(ctx, &events.RedisConfig{URL: cfg.Redis.URL}, logger)
		if err != nil {
			// Events are best-effort; run without them.
			logger.Error("failed to connect to Redis, run events disabled", "error", err)
		} else {
			a.publisher = pub
			logger.Info("publishing run events", slog.String("channel", events.DefaultChannel))
		}
	}

	if err := a.wire(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	v, err := validator.New()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	runBackoff, err := backoff.NewExponential(cfg.Engine.BackoffBase, cfg.Engine.BackoffMax)
	if err != nil {
		return err
	}
	a.engine, err = engine.New(a.store, engine.Config{
		MaxAttempts:    cfg.Engine.MaxAttempts,
		Backoff:        runBackoff,
		Lease:          cfg.Engine.Lease,
		WebhookTimeout: cfg.Engine.WebhookTimeout,
	},
		engine.WithLogger(a.logger),
		engine.WithPublisher(a.publisher),
		engine.WithValidator(v),
	)
	if err != nil {
		return err
	}

	taskBackoff, err := backoff.NewExponential(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffMax)
	if err != nil {
		return err
	}
	a.scheduler, err = scheduler.New(a.store, a.engine, &scheduler.Config{
		BatchSize:   cfg.Scheduler.BatchSize,
		StuckAfter:  cfg.Scheduler.StuckAfter,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Backoff:     taskBackoff,
	}, scheduler.WithLogger(a.logger))
	if err != nil {
		return err
	}

	a.scanner, err = anomaly.New(a.store, &anomaly.Config{
		StaleThreshold:  cfg.Anomaly.StaleThreshold,
		TrailingWindow:  cfg.Anomaly.TrailingWindow,
		BaselineWindow:  cfg.Anomaly.BaselineWindow,
		SpikeMultiplier: cfg.Anomaly.SpikeMultiplier,
		MinSamples:      cfg.Anomaly.MinSamples,
	}, anomaly.WithLogger(a.logger), anomaly.WithPublisher(a.publisher))
	if err != nil {
		return err
	}

	var transport mailer.Transport = &mailer.LogTransport{Logger: a.logger}
	if cfg.Email.Transport == "http" {
		transport, err = mailer.NewHTTPTransport(mailer.HTTPConfig{
			Endpoint: cfg.Email.Endpoint,
			APIKey:   cfg.Email.APIKey,
			From:     cfg.Email.From,
			Timeout:  cfg.Email.SendTimeout,
		})
		if err != nil {
			return err
		}
	}
	emailBackoff, err := backoff.NewExponential(cfg.Email.BackoffBase, cfg.Email.BackoffMax)
	if err != nil {
		return err
	}
	a.mailer, err = mailer.NewDrainer(a.store, transport, &mailer.Config{
		MaxAttempts: cfg.Email.MaxAttempts,
		Backoff:     emailBackoff,
		SendTimeout: cfg.Email.SendTimeout,
	}, mailer.WithLogger(a.logger))
	if err != nil {
		return err
	}

	if cfg.Archive.Enabled {
		backend, err := archive.NewS3Backend(ctx, &archive.S3Config{
			Endpoint:        cfg.Archive.Endpoint,
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			AccessKeyID:     cfg.Archive.AccessKey,
			SecretAccessKey: cfg.Archive.SecretKey,
			PathPrefix:      cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("create archive backend: %w", err)
		}
		a.archiver, err = archive.New(a.store, backend, &archive.Config{
			Retention: cfg.Archive.Retention,
			BatchSize: cfg.Archive.BatchSize,
		}, archive.WithLogger(a.logger))
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the store, publisher and tracer.
func (a *app) Close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("close publisher", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown tracer", "error", err)
		}
	}
}
