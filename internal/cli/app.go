package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"caseflow/internal/config"
	"caseflow/internal/cursor"
	"caseflow/internal/idempotency"
	"caseflow/internal/metrics"
	"caseflow/internal/repository"
	"caseflow/internal/service"
	"caseflow/internal/webhook"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app is the set of components shared by the long-running commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *repository.SQLRepository
	metrics *metrics.Metrics
	events  *webhook.Dispatcher

	cases     *service.CaseService
	documents *service.DocumentService
	jobs      *service.JobService
	leases    *service.LeaseService
	sweeper   *service.Sweeper

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...webhook.Option) (*app, error) {
	repo, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, repo: repo, closers: []func() error{repo.Close}}

	codec, err := cursor.NewCodec(cfg.Cursor.Secret)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create cursor codec: %w", err)
	}
	if cfg.Cursor.Secret == "" {
		logger.Warn("cursor.secret is empty, pagination cursors will not survive a restart")
	}

	a.metrics = metrics.NewMetrics()

	static := make([]webhook.StaticListener, 0, len(cfg.Webhook.Listeners))
	for _, l := range cfg.Webhook.Listeners {
		static = append(static, webhook.StaticListener{URL: l.URL, Events: l.Events})
	}
	a.events = webhook.NewDispatcher(repo, logger.With("component", "webhook"), append([]webhook.Option{
		webhook.WithWorkers(cfg.Webhook.Workers),
		webhook.WithQueueSize(cfg.Webhook.QueueSize),
		webhook.WithMaxAttempts(cfg.Webhook.MaxAttempts),
		webhook.WithBackoff(cfg.Webhook.InitialBackoff, cfg.Webhook.MaxBackoff),
		webhook.WithAttemptTimeout(cfg.Webhook.AttemptTimeout),
		webhook.WithRecoverInterval(cfg.Webhook.RecoverInterval),
		webhook.WithStaticListeners(static),
		webhook.WithMetrics(a.metrics),
	}, opts...)...)

	deps := service.Deps{
		Repo:    repo,
		Events:  a.events,
		Metrics: a.metrics,
		Cursors: codec,
		Logger:  logger,
	}
	a.cases = service.NewCaseService(deps)
	a.documents = service.NewDocumentService(deps)
	a.jobs = service.NewJobService(deps)
	a.leases = service.NewLeaseService(deps,
		service.WithDefaultLease(cfg.Lease.Default),
		service.WithMaxLease(cfg.Lease.Max),
	)
	a.sweeper = service.NewSweeper(deps, cfg.Sweeper.Interval)
	return a, nil
}

// idempotencyStore picks the configured backend.
func (a *app) idempotencyStore(ctx context.Context) (*idempotency.Store, error) {
	var backend idempotency.Backend = a.repo
	if a.cfg.Idempotency.Backend == "redis" {
		rb, err := idempotency.NewRedisBackend(ctx, idempotency.RedisOptions{
			Addr:     a.cfg.Idempotency.Redis.Addr,
			Username: a.cfg.Idempotency.Redis.Username,
			Password: a.cfg.Idempotency.Redis.Password,
			Prefix:   a.cfg.Idempotency.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rb.Close)
		backend = rb
	}
	return idempotency.NewStore(backend, a.logger.With("component", "idempotency"),
		idempotency.WithTTL(a.cfg.Idempotency.TTL),
		idempotency.WithWaitTimeout(a.cfg.Idempotency.WaitTimeout),
		idempotency.WithPendingTimeout(a.cfg.Idempotency.PendingTimeout),
		idempotency.WithMetrics(a.metrics),
	), nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close resource", "error", err)
		}
	}
}
