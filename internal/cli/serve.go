package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"caseflow/internal/handler"
	"caseflow/internal/ocr"
	"caseflow/internal/webhook"
)

func buildServeCommand(load loader) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with its background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	idem, err := a.idempotencyStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up idempotency store: %w", err)
	}

	if err := a.events.Start(ctx); err != nil {
		a.logger.Error("failed to resume pending webhook deliveries", "error", err)
	}
	defer a.events.Stop()

	a.sweeper.Start(ctx)
	defer a.sweeper.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	if a.cfg.Idempotency.Backend == "sql" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idem.RunPurge(ctx, a.cfg.Idempotency.PurgeInterval)
		}()
	}

	if a.cfg.OCR.Endpoint != "" {
		d := a.ocrDispatcher()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.ProcessJobs(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("OCR dispatcher stopped", "error", err)
			}
		}()
	} else {
		a.logger.Info("no OCR endpoint configured, jobs wait for external workers")
	}

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(&handler.Handler{
		Cases:       a.cases,
		Documents:   a.documents,
		Jobs:        a.jobs,
		Leases:      a.leases,
		Webhooks:    a.events,
		Sink:        webhook.NewSink(a.cfg.Webhook.SinkSize),
		Idempotency: idem,
		Metrics:     a.metrics,
		Store:       a.repo,
		Logger:      a.logger.With("component", "http"),
	})
	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("API server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("error closing server", "error", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func (a *app) ocrDispatcher() *ocr.Dispatcher {
	engine := ocr.NewHTTPEngine(a.cfg.OCR.Endpoint, a.cfg.OCR.Timeout)
	return ocr.NewDispatcher(a.jobs, a.documents, engine, a.logger.With("component", "ocr"),
		ocr.WithLease(a.cfg.OCR.Lease),
		ocr.WithIdleInterval(a.cfg.OCR.IdleInterval),
		ocr.WithConcurrency(a.cfg.OCR.Concurrency),
		ocr.WithMetrics(a.metrics),
	)
}
