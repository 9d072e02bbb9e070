package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/api"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/cronauth"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/trigger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the cron and user HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting automation service",
		slog.String("port", cfg.Server.Port),
		slog.String("store", cfg.Store.Driver),
		slog.String("log_level", cfg.Log.Level),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var resolver auth.Resolver = auth.HeaderResolver{}
	if cfg.OIDC.Enabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:         cfg.OIDC.Issuer,
			ClientID:       cfg.OIDC.ClientID,
			WorkspaceClaim: cfg.OIDC.WorkspaceClaim,
		})
		if err != nil {
			return fmt.Errorf("create oidc provider: %w", err)
		}
		resolver = provider
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDC.Issuer))
	} else {
		logger.Warn("OIDC disabled; trusting gateway identity headers")
	}

	deps := api.Deps{
		Runs:      a.engine,
		Scheduler: a.scheduler,
		Scanner:   a.scanner,
		Mailer:    a.mailer,
		Store:     a.store,
	}
	if a.archiver != nil {
		deps.Archiver = a.archiver
	}
	server := api.NewServer(
		api.NewHandlers(deps, cfg, logger),
		cronauth.New(cfg.Cron.Secret),
		auth.NewMiddleware(resolver, logger),
		auth.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	var runner *trigger.Runner
	if cfg.Cron.Embedded {
		runner, err = startRunner(a, logger)
		if err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if runner != nil {
		if err := runner.Stop(shutdownCtx); err != nil {
			logger.Error("trigger runner shutdown error", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// startRunner registers the periodic jobs that have no external trigger.
func startRunner(a *app, logger *slog.Logger) (*trigger.Runner, error) {
	runner := trigger.NewRunner(logger)
	jobs := []struct {
		name, spec string
		job        trigger.Job
	}{
		{"process_scheduled", a.cfg.Cron.ScheduledSpec, func(ctx context.Context) (interface{}, error) {
			return a.scheduler.ProcessScheduled(ctx)
		}},
		{"stale_bot_scan", a.cfg.Cron.StaleSpec, func(ctx context.Context) (interface{}, error) {
			return a.scanner.ScanStaleBots(ctx)
		}},
	}
	if a.archiver != nil {
		jobs = append(jobs, struct {
			name, spec string
			job        trigger.Job
		}{"archive_tasks", a.cfg.Cron.ArchiveSpec, func(ctx context.Context) (interface{}, error) {
			return a.archiver.ArchiveTasks(ctx)
		}})
	}
	for _, j := range jobs {
		if err := runner.Add(j.name, j.spec, j.job); err != nil {
			return nil, err
		}
	}
	runner.Start()
	return runner, nil
}
