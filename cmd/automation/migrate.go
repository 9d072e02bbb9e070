package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to the postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate requires store.driver=postgres, got %q", cfg.Store.Driver)
			}

			ctx := cmd.Context()
			s, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL, store.WithLogger(logger))
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
