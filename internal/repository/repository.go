package repository

import (
	"context"
	"errors"
	"time"

	"caseflow/internal/cursor"
	"caseflow/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-swap lost to a concurrent
	// writer. The caller should re-read and retry.
	ErrConflict = errors.New("record was modified concurrently")
)

// CaseFilter selects a page of cases ordered by priority desc, created_at
// asc, id asc.
type CaseFilter struct {
	Status models.CaseStatus
	After  *cursor.SortKey
	Limit  int
}

// JobFilter selects a page of jobs ordered by created_at desc, id desc.
type JobFilter struct {
	Status models.JobStatus
	After  *cursor.SortKey
	Limit  int
}

// DocumentStatusChange moves every document of a case to Status.
type DocumentStatusChange struct {
	CaseID string
	Status models.DocumentStatus
}

// Mutation is a set of writes applied in one transaction. Jobs and Cases
// are compare-and-swapped on their Version; if any of them lost a race the
// whole mutation is rolled back with ErrConflict. Versions are bumped in
// place after commit. Events are written to the outbox with the state they
// describe and stay there until a dispatcher fans them out.
type Mutation struct {
	NewJob         *models.Job
	NewDocuments   []*models.Document
	Jobs           []*models.Job
	Cases          []*models.Case
	DocumentStatus []DocumentStatusChange
	Events         []*models.Event
}

// Repository defines the persistence used by the coordination services
type Repository interface {
	CreateCase(ctx context.Context, c *models.Case) error
	GetCase(ctx context.Context, id string) (*models.Case, error)
	SaveCase(ctx context.Context, c *models.Case) error
	ListCases(ctx context.Context, f CaseFilter) ([]*models.Case, error)
	ListReadyCases(ctx context.Context, limit int) ([]*models.Case, error)
	ClaimReadyCases(ctx context.Context, limit int, claim func(*models.Case) error) ([]*models.Case, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Case, error)

	ListDocuments(ctx context.Context, caseID string) ([]*models.Document, error)

	GetJob(ctx context.Context, id string) (*models.Job, error)
	SaveJob(ctx context.Context, j *models.Job) error
	ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error)
	LeaseJobForDispatch(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error)

	Apply(ctx context.Context, m Mutation) error
	Stats(ctx context.Context, now time.Time) (*models.Stats, error)
}
