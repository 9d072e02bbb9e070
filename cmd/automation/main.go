// Package main is the entry point for the automation service.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "automation",
		Short:        "Workflow runs, scheduled tasks, monitoring scans and the email queue",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $AUTOMATION_CONFIG)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newTickCmd())
	return root
}
