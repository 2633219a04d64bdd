// Package service implements the coordination core: the case and document
// registries, the OCR job coordinator and the extraction lease manager.
//
// Services hold no state of their own. Every change is a transition on a
// model followed by a compare-and-swap write, so any number of service
// instances may share one database.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/cursor"
	"caseflow/internal/errs"
	"caseflow/internal/metrics"
	"caseflow/internal/models"
	"caseflow/internal/repository"
)

// casAttempts bounds how often a lost compare-and-swap is retried.
const casAttempts = 5

// EventPublisher fans out events that were committed to the outbox.
// Publish must not block on network I/O.
type EventPublisher interface {
	Publish(ctx context.Context, events ...*models.Event) error
}

// Deps are the collaborators shared by every service.
type Deps struct {
	Repo    repository.Repository
	Events  EventPublisher
	Metrics *metrics.Metrics
	Cursors *cursor.Codec
	Logger  *slog.Logger
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics()
	}
	if d.Cursors == nil {
		codec, err := cursor.NewCodec("")
		if err != nil {
			panic(err)
		}
		d.Cursors = codec
	}
	return d
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ...*models.Event) error { return nil }

// Page is one page of a keyset-paginated list.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

func pageSize(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultPageSize, nil
	case limit < 0 || limit > MaxPageSize:
		return 0, errs.Validation("limit must be between 1 and %d", MaxPageSize)
	}
	return limit, nil
}

type core struct {
	Deps
}

func newCore(d Deps) core {
	return core{Deps: d.withDefaults()}
}

func (c core) now() time.Time {
	return c.Now().UTC()
}

// event builds an outbox record to be written with the transition it
// describes.
func (c core) event(eventType string, data any, now time.Time) (*models.Event, error) {
	e, err := models.NewEvent(uuid.NewString(), eventType, data, now)
	if err != nil {
		return nil, errs.Internal(err, "build %s event", eventType)
	}
	return e, nil
}

// publish hands committed events to the dispatcher. Events it fails to
// take stay in the outbox for recovery.
func (c core) publish(ctx context.Context, events ...*models.Event) {
	if len(events) == 0 {
		return
	}
	if err := c.Events.Publish(ctx, events...); err != nil {
		c.Logger.Warn("events left in the outbox for recovery", "count", len(events), "error", err)
	}
}

// retryCAS runs fn until it stops losing compare-and-swap races.
func retryCAS(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errs.Internal(err, "gave up after %d concurrent modifications", casAttempts)
}

// storeErr maps a repository error onto the error taxonomy.
func storeErr(err error, what string) error {
	var e *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return errs.NotFound("%s not found", what)
	case errors.Is(err, repository.ErrConflict):
		return err
	}
	var te *models.TransitionError
	if errors.As(err, &te) {
		return errs.Validation("%s", te.Error())
	}
	return errs.Internal(err, "%s", what)
}

func (c core) getCase(ctx context.Context, id string) (*models.Case, error) {
	cs, err := c.Repo.GetCase(ctx, id)
	if err != nil {
		return nil, storeErr(err, "case "+id)
	}
	return cs, nil
}

func (c core) getJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := c.Repo.GetJob(ctx, id)
	if err != nil {
		return nil, storeErr(err, "job "+id)
	}
	return j, nil
}

// expireIfStale demotes cs if its lease has run out, so readers never see
// an expired lease as held. It returns the current case and whether this
// call did the demotion.
func (c core) expireIfStale(ctx context.Context, cs *models.Case) (*models.Case, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		now := c.now()
		if !cs.LeaseExpired(now) {
			return cs, false, nil
		}
		ev, err := c.event(models.EventLeaseExpired, leaseEvent{CaseIDs: []string{cs.ID}, LeaseToken: cs.LeaseToken}, now)
		if err != nil {
			return nil, false, err
		}
		if err := cs.ExpireLease(now); err != nil {
			return nil, false, storeErr(err, "case "+cs.ID)
		}
		err = c.Repo.Apply(ctx, repository.Mutation{Cases: []*models.Case{cs}, Events: []*models.Event{ev}})
		if err == nil {
			c.Metrics.IncrementLeaseExpirations()
			c.Logger.Info("lease expired", "case_id", cs.ID)
			c.publish(ctx, ev)
			return cs, true, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, false, storeErr(err, "case "+cs.ID)
		}
		if cs, err = c.getCase(ctx, cs.ID); err != nil {
			return nil, false, err
		}
	}
	return nil, false, errs.Internal(repository.ErrConflict, "expire lease of case %s", cs.ID)
}

// sweepBatch bounds how many expired leases one sweep demotes.
const sweepBatch = 500

// reclaimExpired demotes every case whose lease ran out and returns how
// many it demoted.
func (c core) reclaimExpired(ctx context.Context) (int, error) {
	expired, err := c.Repo.ListExpiredLeases(ctx, c.now(), sweepBatch)
	if err != nil {
		return 0, storeErr(err, "expired leases")
	}
	n := 0
	for _, cs := range expired {
		_, demoted, err := c.expireIfStale(ctx, cs)
		if err != nil {
			return n, err
		}
		if demoted {
			n++
		}
	}
	return n, nil
}

// Event payloads.

type jobEvent struct {
	JobID    string                       `json:"job_id"`
	CaseIDs  []string                     `json:"case_ids"`
	Status   models.JobStatus             `json:"status"`
	Language string                       `json:"language,omitempty"`
	Flags    *models.JobFlags             `json:"flags,omitempty"`
	Results  map[string]models.CaseResult `json:"results,omitempty"`
}

type caseEvent struct {
	JobID        string            `json:"job_id,omitempty"`
	CaseIDs      []string          `json:"case_ids"`
	Outcome      models.Outcome    `json:"outcome,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

type leaseEvent struct {
	CaseIDs    []string `json:"case_ids"`
	LeaseToken string   `json:"lease_token"`
}
