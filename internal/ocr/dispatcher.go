package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"caseflow/internal/models"
)

// Coordinator is the part of the job service the dispatcher drives.
type Coordinator interface {
	LeaseForDispatch(ctx context.Context, lease time.Duration) (*models.Job, error)
	RenewDispatch(ctx context.Context, jobID string, lease time.Duration) (*models.Job, error)
	RecordResult(ctx context.Context, jobID, caseID string, outcome models.Outcome, detail string) (*models.Job, error)
}

// Documents lists the documents of a case.
type Documents interface {
	List(ctx context.Context, caseID string) ([]*models.Document, error)
}

type caseObserver interface {
	ObserveOCRCase(d time.Duration)
}

// Dispatcher handles OCR dispatch for the embedded worker
type Dispatcher struct {
	jobs    Coordinator
	docs    Documents
	engine  Engine
	logger  *slog.Logger
	metrics caseObserver

	lease       time.Duration
	idle        time.Duration
	concurrency int
}

type Option func(*Dispatcher)

// WithLease sets how long a job stays with this dispatcher before another
// one may pick it up.
func WithLease(d time.Duration) Option {
	return func(s *Dispatcher) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithIdleInterval sets the pause between polls when no job is waiting.
func WithIdleInterval(d time.Duration) Option {
	return func(s *Dispatcher) {
		if d > 0 {
			s.idle = d
		}
	}
}

// WithConcurrency bounds how many cases of one job are processed at once.
func WithConcurrency(n int) Option {
	return func(s *Dispatcher) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithMetrics(m caseObserver) Option {
	return func(s *Dispatcher) {
		s.metrics = m
	}
}

// NewDispatcher creates a new OCR dispatcher
func NewDispatcher(jobs Coordinator, docs Documents, engine Engine, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		jobs:        jobs,
		docs:        docs,
		engine:      engine,
		logger:      logger,
		lease:       10 * time.Minute,
		idle:        time.Second,
		concurrency: 4,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ProcessJobs continuously leases and processes jobs until ctx is done
func (d *Dispatcher) ProcessJobs(ctx context.Context) error {
	d.logger.Info("OCR dispatcher started", "lease", d.lease, "concurrency", d.concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := d.jobs.LeaseForDispatch(ctx, d.lease)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("error leasing job", "error", err)
		}
		if err != nil || job == nil {
			if err := d.wait(ctx); err != nil {
				return err
			}
			continue
		}

		d.logger.Info("job leased", "job_id", job.ID, "cases", len(job.CaseIDs))
		d.ProcessJob(ctx, job)
	}
}

func (d *Dispatcher) wait(ctx context.Context) error {
	t := time.NewTimer(d.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProcessJob runs every case of job that has no result yet and reports
// each outcome. Cases fail independently. The dispatch lease is renewed
// while cases are in flight.
func (d *Dispatcher) ProcessJob(ctx context.Context, job *models.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		d.heartbeat(hbCtx, job.ID)
	}()
	defer func() {
		stopHeartbeat()
		<-heartbeatDone
	}()

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for _, caseID := range job.CaseIDs {
		if job.HasResult(caseID) {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			outcome, detail := models.OutcomeSucceeded, ""
			if err := d.processCase(ctx, job, caseID); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					// Unfinished; the job is re-dispatched once its lease lapses.
					return nil
				}
				outcome, detail = models.OutcomeFailed, err.Error()
			}
			if d.metrics != nil {
				d.metrics.ObserveOCRCase(time.Since(start))
			}

			if _, err := d.jobs.RecordResult(ctx, job.ID, caseID, outcome, detail); err != nil {
				d.logger.Error("failed to record OCR result", "job_id", job.ID, "case_id", caseID, "error", err)
				return nil
			}
			d.logger.Info("case processed", "job_id", job.ID, "case_id", caseID, "outcome", outcome)
			return nil
		})
	}
	_ = g.Wait()
}

// heartbeat renews the dispatch lease of jobID at a third of its length
// until ctx is done or the job stops running.
func (d *Dispatcher) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(d.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := d.jobs.RenewDispatch(ctx, jobID, d.lease)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("failed to renew dispatch lease", "job_id", jobID, "error", err)
				continue
			}
			if job.Status != models.JobRunning {
				return
			}
		}
	}
}

func (d *Dispatcher) processCase(ctx context.Context, job *models.Job, caseID string) error {
	docs, err := d.docs.List(ctx, caseID)
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	if len(docs) == 0 {
		return errors.New("case has no documents")
	}
	for _, doc := range docs {
		if err := d.engine.Process(ctx, newRequest(job, doc)); err != nil {
			return fmt.Errorf("document %s: %w", doc.Filename, err)
		}
	}
	return nil
}
