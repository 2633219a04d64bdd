package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"caseflow/internal/cursor"
	"caseflow/internal/errs"
	"caseflow/internal/models"
	"caseflow/internal/repository"
)

// CaseService is the case registry.
type CaseService struct {
	core
}

func NewCaseService(deps Deps) *CaseService {
	return &CaseService{core: newCore(deps)}
}

type CreateCaseInput struct {
	Name        string            `json:"name"`
	Description *string           `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	Priority    *int              `json:"priority"`
}

// CasePatch lists the fields a client may change. Status and
// ExtractionStatus are only decoded so that attempts to set them can be
// rejected.
type CasePatch struct {
	Description *string           `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	Priority    *int              `json:"priority"`

	Status           *string `json:"status"`
	ExtractionStatus *string `json:"extraction_status"`
}

func validatePriority(p *int) (int, error) {
	if p == nil {
		return models.DefaultPriority, nil
	}
	if *p < models.MinPriority || *p > models.MaxPriority {
		return 0, errs.Validation("priority must be between %d and %d", models.MinPriority, models.MaxPriority)
	}
	return *p, nil
}

// Create registers a new case in the created state.
func (s *CaseService) Create(ctx context.Context, in CreateCaseInput) (*models.Case, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errs.Validation("name is required")
	}
	priority, err := validatePriority(in.Priority)
	if err != nil {
		return nil, err
	}

	c := models.NewCase(uuid.NewString(), name, in.Description, in.Metadata, priority, s.now())
	if err := s.Repo.CreateCase(ctx, c); err != nil {
		return nil, errs.Internal(err, "create case")
	}

	s.Metrics.IncrementCasesCreated()
	s.Logger.Info("case created", "case_id", c.ID, "priority", c.Priority)
	return c, nil
}

// Get returns a case with its documents. An expired lease is demoted
// before the case is returned.
func (s *CaseService) Get(ctx context.Context, id string) (*models.Case, error) {
	c, err := s.getCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if c, _, err = s.expireIfStale(ctx, c); err != nil {
		return nil, err
	}
	docs, err := s.Repo.ListDocuments(ctx, id)
	if err != nil {
		return nil, errs.Internal(err, "list documents of case %s", id)
	}
	c.Documents = docs
	return c, nil
}

// Update changes descriptive fields of a case. Lifecycle fields only move
// through their own operations.
func (s *CaseService) Update(ctx context.Context, id string, patch CasePatch) (*models.Case, error) {
	if patch.Status != nil || patch.ExtractionStatus != nil {
		return nil, errs.Validation("status and extraction_status cannot be updated directly")
	}
	if patch.Priority != nil {
		if _, err := validatePriority(patch.Priority); err != nil {
			return nil, err
		}
	}

	var c *models.Case
	err := retryCAS(ctx, func() error {
		var err error
		if c, err = s.getCase(ctx, id); err != nil {
			return err
		}
		if patch.Description != nil {
			c.Description = patch.Description
		}
		if patch.Metadata != nil {
			c.Metadata = patch.Metadata
		}
		if patch.Priority != nil {
			c.Priority = *patch.Priority
		}
		c.UpdatedAt = s.now()
		return storeErr(s.Repo.SaveCase(ctx, c), "case "+id)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("case updated", "case_id", id)
	return c, nil
}

// List returns cases ordered by priority desc, created_at asc, id asc.
func (s *CaseService) List(ctx context.Context, status models.CaseStatus, limit int, after string) (*Page[*models.Case], error) {
	if status != "" && !status.Valid() {
		return nil, errs.Validation("unknown case status %q", status)
	}
	limit, err := pageSize(limit)
	if err != nil {
		return nil, err
	}
	scope := cursor.Scope("cases", string(status))

	f := repository.CaseFilter{Status: status, Limit: limit + 1}
	if after != "" {
		key, err := s.Cursors.Decode(scope, after)
		if err != nil {
			return nil, err
		}
		f.After = &key
	}

	if _, err := s.reclaimExpired(ctx); err != nil {
		s.Logger.Warn("lazy lease reclamation failed", "error", err)
	}

	cases, err := s.Repo.ListCases(ctx, f)
	if err != nil {
		return nil, errs.Internal(err, "list cases")
	}

	page := &Page[*models.Case]{Items: cases}
	if len(cases) > limit {
		page.Items = cases[:limit]
		last := page.Items[limit-1]
		page.NextCursor, err = s.Cursors.Encode(scope, cursor.SortKey{Priority: last.Priority, Time: last.CreatedAt, ID: last.ID})
		if err != nil {
			return nil, errs.Internal(err, "encode cursor")
		}
	}
	if page.Items == nil {
		page.Items = []*models.Case{}
	}
	return page, nil
}

// Reopen returns a finished extraction to the ready pool.
func (s *CaseService) Reopen(ctx context.Context, id string) (*models.Case, error) {
	var (
		c  *models.Case
		ev *models.Event
	)
	err := retryCAS(ctx, func() error {
		var err error
		if c, err = s.getCase(ctx, id); err != nil {
			return err
		}
		now := s.now()
		if err := c.Reopen(now); err != nil {
			return storeErr(err, "case "+id)
		}
		if ev, err = s.event(models.EventCaseReadyForExtraction, caseEvent{CaseIDs: []string{id}}, now); err != nil {
			return err
		}
		return storeErr(s.Repo.Apply(ctx, repository.Mutation{Cases: []*models.Case{c}, Events: []*models.Event{ev}}), "case "+id)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("case reopened", "case_id", id)
	s.publish(ctx, ev)
	return c, nil
}

// Stats counts cases, jobs and leases by state.
func (s *CaseService) Stats(ctx context.Context) (*models.Stats, error) {
	st, err := s.Repo.Stats(ctx, s.now())
	if err != nil {
		return nil, errs.Internal(err, "collect stats")
	}
	return st, nil
}
