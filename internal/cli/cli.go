// Package cli wires caseflow's components into the caseflow command.
//
// Command structure:
//
//	caseflow
//	├── serve          HTTP API, lease sweeper, webhook delivery and, when
//	│                  ocr.endpoint is set, the embedded OCR dispatcher
//	├── worker         standalone OCR dispatcher against the shared database
//	├── migrate        apply schema migrations
//	├── sweep          reclaim expired extraction leases once
//	└── config print   show the effective configuration
//
// Every command reads --config (optional YAML), a .env file and CASEFLOW_
// environment variables.
package cli

import (
	"github.com/spf13/cobra"

	"caseflow/internal/config"
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "caseflow",
		Short: "caseflow coordinates OCR and extraction of case documents",
		Long: `caseflow tracks documents grouped into cases, dispatches OCR jobs and
hands OCR'd cases to extraction workers under time-bounded leases.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	load := func() (*config.Config, error) {
		return config.Load(configFile)
	}

	rootCmd.AddCommand(buildServeCommand(load))
	rootCmd.AddCommand(buildWorkerCommand(load))
	rootCmd.AddCommand(buildMigrateCommand(load))
	rootCmd.AddCommand(buildSweepCommand(load))
	rootCmd.AddCommand(buildConfigCommand(load))
	return rootCmd
}

type loader func() (*config.Config, error)
