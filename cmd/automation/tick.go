package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// jobs maps tick names to a single stateless invocation.
var jobs = map[string]func(ctx context.Context, a *app) (interface{}, error){
	"scheduled": func(ctx context.Context, a *app) (interface{}, error) { return a.scheduler.ProcessScheduled(ctx) },
	"stale":     func(ctx context.Context, a *app) (interface{}, error) { return a.scanner.ScanStaleBots(ctx) },
	"anomaly":   func(ctx context.Context, a *app) (interface{}, error) { return a.scanner.ScanAllWorkspaces(ctx) },
	"emails": func(ctx context.Context, a *app) (interface{}, error) {
		return a.mailer.ProcessEmailQueue(ctx, a.cfg.Email.BatchLimit)
	},
	"archive": func(ctx context.Context, a *app) (interface{}, error) {
		if a.archiver == nil {
			return nil, fmt.Errorf("archive is disabled; set archive.enabled")
		}
		return a.archiver.ArchiveTasks(ctx)
	},
}

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "tick <scheduled|stale|anomaly|emails|archive>",
		Short:     "Run one periodic job and print its summary as JSON",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"scheduled", "stale", "anomaly", "emails", "archive"},
		RunE: func(cmd *cobra.Command, args []string) error {
			job, ok := jobs[args[0]]
			if !ok {
				return fmt.Errorf("unknown job %q (want one of %s)", args[0], strings.Join(cmd.ValidArgs, ", "))
			}

			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			summary, err := job(ctx, a)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}
