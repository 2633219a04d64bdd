package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"caseflow/internal/webhook"
)

func buildWorkerCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the OCR dispatcher without the HTTP API",
		Long: `worker leases pending OCR jobs from the shared database and sends their
documents to ocr.endpoint. Webhook events are recorded for a serve process
to deliver.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.OCR.Endpoint == "" {
				return errors.New("ocr.endpoint is required to run a worker")
			}

			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, webhook.WithPersistOnly())
			if err != nil {
				return err
			}
			defer a.close()

			logger.Info("worker started, polling for jobs...")
			if err := a.ocrDispatcher().ProcessJobs(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker error: %w", err)
			}
			logger.Info("worker stopped")
			return nil
		},
	}
}
