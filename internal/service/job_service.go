package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"caseflow/internal/cursor"
	"caseflow/internal/errs"
	"caseflow/internal/models"
	"caseflow/internal/repository"
)

// JobService coordinates OCR jobs over cases
type JobService struct {
	core
}

// NewJobService creates a new job service
func NewJobService(deps Deps) *JobService {
	return &JobService{core: newCore(deps)}
}

type CreateJobInput struct {
	CaseIDs  []string        `json:"case_ids"`
	Language string          `json:"language"`
	Flags    models.JobFlags `json:"flags"`
	Priority *int            `json:"priority"`
}

// dedupe drops repeated ids, keeping the first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Create dispatches an OCR job over cases that are all still in the created
// state. Either every case moves to processing together with the job
// insert, or nothing changes.
func (s *JobService) Create(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	caseIDs := dedupe(in.CaseIDs)
	if len(caseIDs) == 0 {
		return nil, errs.Validation("case_ids must not be empty")
	}
	for _, id := range caseIDs {
		if strings.TrimSpace(id) == "" {
			return nil, errs.Validation("case_ids must not contain empty ids")
		}
	}
	language := strings.TrimSpace(in.Language)
	if language == "" {
		language = models.DefaultLanguage
	}
	priority, err := validatePriority(in.Priority)
	if err != nil {
		return nil, err
	}

	var (
		job *models.Job
		ev  *models.Event
	)
	err = retryCAS(ctx, func() error {
		cases, err := s.loadCases(ctx, caseIDs)
		if err != nil {
			return err
		}

		var busy []string
		for _, c := range cases {
			if c.Status != models.CaseCreated {
				busy = append(busy, c.ID+" ("+string(c.Status)+")")
			}
		}
		if len(busy) > 0 {
			return errs.Validation("cases are not in status %s: %s", models.CaseCreated, strings.Join(busy, ", "))
		}

		now := s.now()
		job = models.NewJob(uuid.NewString(), caseIDs, language, in.Flags, priority, now)
		m := repository.Mutation{NewJob: job, Cases: cases}
		for _, c := range cases {
			if err := c.StartProcessing(now); err != nil {
				return storeErr(err, "case "+c.ID)
			}
			m.DocumentStatus = append(m.DocumentStatus, repository.DocumentStatusChange{CaseID: c.ID, Status: models.DocumentQueued})
		}
		ev, err = s.event(models.EventJobDispatched, jobEvent{
			JobID:    job.ID,
			CaseIDs:  job.CaseIDs,
			Status:   job.Status,
			Language: job.Language,
			Flags:    &job.Flags,
		}, now)
		if err != nil {
			return err
		}
		m.Events = []*models.Event{ev}
		return storeErr(s.Repo.Apply(ctx, m), "job")
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.IncrementJobsCreated()
	s.Logger.Info("job created", "job_id", job.ID, "cases", len(job.CaseIDs), "language", job.Language)
	s.publish(ctx, ev)
	return job, nil
}

// loadCases reads the cases concurrently. An unknown id is a validation
// error of the request rather than a missing resource.
func (s *JobService) loadCases(ctx context.Context, ids []string) ([]*models.Case, error) {
	cases := make([]*models.Case, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			c, err := s.Repo.GetCase(gctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				return errs.Validation("case %s does not exist", id)
			}
			if err != nil {
				return errs.Internal(err, "load case %s", id)
			}
			cases[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cases, nil
}

// Get retrieves a job by ID
func (s *JobService) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.getJob(ctx, id)
}

// List returns jobs newest first.
func (s *JobService) List(ctx context.Context, status models.JobStatus, limit int, after string) (*Page[*models.Job], error) {
	if status != "" && !status.Valid() {
		return nil, errs.Validation("unknown job status %q", status)
	}
	limit, err := pageSize(limit)
	if err != nil {
		return nil, err
	}
	scope := cursor.Scope("jobs", string(status))

	f := repository.JobFilter{Status: status, Limit: limit + 1}
	if after != "" {
		key, err := s.Cursors.Decode(scope, after)
		if err != nil {
			return nil, err
		}
		f.After = &key
	}

	jobs, err := s.Repo.ListJobs(ctx, f)
	if err != nil {
		return nil, errs.Internal(err, "list jobs")
	}

	page := &Page[*models.Job]{Items: jobs}
	if len(jobs) > limit {
		page.Items = jobs[:limit]
		last := page.Items[limit-1]
		page.NextCursor, err = s.Cursors.Encode(scope, cursor.SortKey{Time: last.CreatedAt, ID: last.ID})
		if err != nil {
			return nil, errs.Internal(err, "encode cursor")
		}
	}
	if page.Items == nil {
		page.Items = []*models.Job{}
	}
	return page, nil
}

// Start marks a pending job as running. External OCR workers call it when
// they pick up a dispatched job.
func (s *JobService) Start(ctx context.Context, id string) (*models.Job, error) {
	var job *models.Job
	err := retryCAS(ctx, func() error {
		var err error
		if job, err = s.getJob(ctx, id); err != nil {
			return err
		}
		if err := job.Start(s.now()); err != nil {
			return storeErr(err, "job "+id)
		}
		return storeErr(s.Repo.SaveJob(ctx, job), "job "+id)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("job started", "job_id", id)
	return job, nil
}

// LeaseForDispatch hands one job to an embedded OCR dispatcher for lease.
// It returns nil when no job is waiting.
func (s *JobService) LeaseForDispatch(ctx context.Context, lease time.Duration) (*models.Job, error) {
	var job *models.Job
	err := retryCAS(ctx, func() error {
		var err error
		job, err = s.Repo.LeaseJobForDispatch(ctx, s.now(), lease)
		return storeErr(err, "dispatch lease")
	})
	if err != nil {
		return nil, err
	}
	if job != nil {
		s.Logger.Info("job leased for dispatch", "job_id", job.ID, "expires_at", job.DispatchExpiresAt)
	}
	return job, nil
}

// RenewDispatch pushes back the dispatch lease of a running job so no other
// dispatcher picks it up while its cases are still being processed. A job
// that is no longer running is returned unchanged.
func (s *JobService) RenewDispatch(ctx context.Context, id string, lease time.Duration) (*models.Job, error) {
	if lease <= 0 {
		return nil, errs.Validation("dispatch lease must be positive")
	}
	var job *models.Job
	err := retryCAS(ctx, func() error {
		var err error
		if job, err = s.getJob(ctx, id); err != nil {
			return err
		}
		if job.Status != models.JobRunning {
			return nil
		}
		now := s.now()
		if err := job.LeaseDispatch(now.Add(lease), now); err != nil {
			return storeErr(err, "job "+id)
		}
		return storeErr(s.Repo.SaveJob(ctx, job), "job "+id)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RecordResult applies the OCR outcome of one case. Results for terminal
// jobs and repeated results are ignored, so callbacks may be retried.
func (s *JobService) RecordResult(ctx context.Context, jobID, caseID string, outcome models.Outcome, detail string) (*models.Job, error) {
	if !outcome.Valid() {
		return nil, errs.Validation("status must be %s or %s", models.OutcomeSucceeded, models.OutcomeFailed)
	}

	var (
		job      *models.Job
		c        *models.Case
		events   []*models.Event
		terminal bool
		ignored  bool
	)
	err := retryCAS(ctx, func() error {
		var err error
		ignored = false
		events = nil
		if job, err = s.getJob(ctx, jobID); err != nil {
			return err
		}
		if !job.Contains(caseID) {
			return errs.Validation("case %s is not part of job %s", caseID, jobID)
		}
		if job.Status.Terminal() || job.HasResult(caseID) {
			ignored = true
			return nil
		}

		now := s.now()
		if terminal, err = job.RecordResult(caseID, outcome, detail, now); err != nil {
			return storeErr(err, "job "+jobID)
		}
		m := repository.Mutation{Jobs: []*models.Job{job}}

		if c, err = s.getCase(ctx, caseID); err != nil {
			return err
		}
		if c.Status == models.CaseProcessing {
			docStatus := models.DocumentProcessed
			if outcome == models.OutcomeSucceeded {
				err = c.MarkReady(now)
			} else {
				err = c.MarkOCRFailed(detail, now)
				docStatus = models.DocumentFailed
			}
			if err != nil {
				return storeErr(err, "case "+caseID)
			}
			m.Cases = []*models.Case{c}
			m.DocumentStatus = []repository.DocumentStatusChange{{CaseID: caseID, Status: docStatus}}
			if c.Status == models.CaseReadyForExtraction {
				ev, err := s.event(models.EventCaseReadyForExtraction, caseEvent{JobID: jobID, CaseIDs: []string{caseID}}, now)
				if err != nil {
					return err
				}
				events = append(events, ev)
			}
		} else {
			s.Logger.Warn("case left processing before its OCR result arrived",
				"job_id", jobID, "case_id", caseID, "status", c.Status)
		}
		if terminal {
			ev, err := s.terminalEvent(job, now)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		m.Events = events
		return storeErr(s.Repo.Apply(ctx, m), "job "+jobID)
	})
	if err != nil {
		return nil, err
	}

	log := s.Logger.With("job_id", jobID, "case_id", caseID)
	if ignored {
		log.Info("late or duplicate OCR result ignored", "outcome", outcome, "job_status", job.Status)
		return job, nil
	}
	log.Info("OCR result recorded", "outcome", outcome, "progress", job.Progress())
	s.Metrics.IncrementOCRResults(string(outcome))
	if terminal {
		s.finished(job)
	}
	s.publish(ctx, events...)
	return job, nil
}

// Cancel stops a job. Cases without a result go back to created so they
// can join another job.
func (s *JobService) Cancel(ctx context.Context, id string) (*models.Job, error) {
	var (
		job *models.Job
		ev  *models.Event
	)
	err := retryCAS(ctx, func() error {
		var err error
		if job, err = s.getJob(ctx, id); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return errs.Validation("job %s is already %s", id, job.Status)
		}

		now := s.now()
		if err := job.Cancel(now); err != nil {
			return storeErr(err, "job "+id)
		}
		m := repository.Mutation{Jobs: []*models.Job{job}}
		for _, caseID := range job.CaseIDs {
			if job.HasResult(caseID) {
				continue
			}
			c, err := s.getCase(ctx, caseID)
			if err != nil {
				return err
			}
			if c.Status != models.CaseProcessing {
				continue
			}
			if err := c.ResetToCreated(now); err != nil {
				return storeErr(err, "case "+caseID)
			}
			m.Cases = append(m.Cases, c)
			m.DocumentStatus = append(m.DocumentStatus, repository.DocumentStatusChange{CaseID: caseID, Status: models.DocumentUploaded})
		}
		if ev, err = s.terminalEvent(job, now); err != nil {
			return err
		}
		m.Events = []*models.Event{ev}
		return storeErr(s.Repo.Apply(ctx, m), "job "+id)
	})
	if err != nil {
		return nil, err
	}

	s.finished(job)
	s.publish(ctx, ev)
	return job, nil
}

var terminalEvents = map[models.JobStatus]string{
	models.JobCompleted:       models.EventJobCompleted,
	models.JobFailed:          models.EventJobFailed,
	models.JobPartiallyFailed: models.EventJobPartiallyFailed,
	models.JobCancelled:       models.EventJobCancelled,
}

// terminalEvent is written in the same transaction that makes the job
// terminal, which only one writer can commit.
func (s *JobService) terminalEvent(job *models.Job, now time.Time) (*models.Event, error) {
	return s.event(terminalEvents[job.Status], jobEvent{
		JobID:   job.ID,
		CaseIDs: job.CaseIDs,
		Status:  job.Status,
		Results: job.Results,
	}, now)
}

func (s *JobService) finished(job *models.Job) {
	s.Metrics.IncrementJobsFinished(string(job.Status))
	s.Logger.Info("job finished", "job_id", job.ID, "status", job.Status)
}
