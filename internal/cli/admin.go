package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"caseflow/internal/repository"
	"caseflow/internal/webhook"
)

func buildMigrateCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			repo, err := repository.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, true)
			if err != nil {
				return err
			}
			defer repo.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.Database.Driver)
			return nil
		},
	}
}

func buildSweepCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Return cases with expired extraction leases to the ready pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			// Events are recorded for the serve process to deliver.
			a, err := newApp(cmd.Context(), cfg, logger, webhook.WithPersistOnly())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.sweeper.ReclaimExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d expired leases\n", n)
			return nil
		},
	}
}

func buildConfigCommand(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
