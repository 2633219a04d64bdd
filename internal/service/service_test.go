package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/cursor"
	"caseflow/internal/errs"
	"caseflow/internal/metrics"
	"caseflow/internal/models"
	"caseflow/internal/repository"
	"caseflow/internal/repository/repositorytest"
	"caseflow/internal/service"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type published struct {
	Type string
	Data map[string]any
}

type recorder struct {
	mu     sync.Mutex
	events []published
	// failing makes the next Publish of each listed type fail once.
	failing map[string]bool
}

func (r *recorder) Publish(_ context.Context, events ...*models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		if r.failing[e.Type] {
			delete(r.failing, e.Type)
			return errors.New("listeners unavailable")
		}
	}
	for _, e := range events {
		var decoded map[string]any
		if err := json.Unmarshal(e.Data, &decoded); err != nil {
			return err
		}
		r.events = append(r.events, published{Type: e.Type, Data: decoded})
	}
	return nil
}

func (r *recorder) failNext(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing == nil {
		r.failing = map[string]bool{}
	}
	r.failing[eventType] = true
}

func (r *recorder) ofType(eventType string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	repo    *repository.SQLRepository
	clock   *fakeClock
	events  *recorder
	metrics *metrics.Metrics

	cases   *service.CaseService
	docs    *service.DocumentService
	jobs    *service.JobService
	leases  *service.LeaseService
	sweeper *service.Sweeper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	codec, err := cursor.NewCodec("test-secret")
	require.NoError(t, err)

	e := &env{
		repo:    repositorytest.New(t),
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		events:  &recorder{},
		metrics: metrics.NewMetrics(),
	}
	deps := service.Deps{
		Repo:    e.repo,
		Events:  e.events,
		Metrics: e.metrics,
		Cursors: codec,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     e.clock.Now,
	}
	e.cases = service.NewCaseService(deps)
	e.docs = service.NewDocumentService(deps)
	e.jobs = service.NewJobService(deps)
	e.leases = service.NewLeaseService(deps)
	e.sweeper = service.NewSweeper(deps, time.Hour)
	return e
}

func intPtr(v int) *int { return &v }

func (e *env) newCase(t *testing.T, name string, priority int) *models.Case {
	t.Helper()
	c, err := e.cases.Create(context.Background(), service.CreateCaseInput{Name: name, Priority: intPtr(priority)})
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)
	return c
}

// readyCases creates n cases and runs them through a successful OCR job.
func (e *env) readyCases(t *testing.T, n int, priority int) []*models.Case {
	t.Helper()
	ctx := context.Background()

	var ids []string
	for i := 0; i < n; i++ {
		ids = append(ids, e.newCase(t, "case", priority).ID)
	}
	job, err := e.jobs.Create(ctx, service.CreateJobInput{CaseIDs: ids})
	require.NoError(t, err)
	for _, id := range ids {
		_, err := e.jobs.RecordResult(ctx, job.ID, id, models.OutcomeSucceeded, "")
		require.NoError(t, err)
		e.clock.Advance(time.Millisecond)
	}

	cases := make([]*models.Case, n)
	for i, id := range ids {
		c, err := e.cases.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.CaseReadyForExtraction, c.Status)
		cases[i] = c
	}
	return cases
}

func TestCreateCaseValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.cases.Create(ctx, service.CreateCaseInput{Name: "  "})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = e.cases.Create(ctx, service.CreateCaseInput{Name: "a", Priority: intPtr(11)})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.cases.Create(ctx, service.CreateCaseInput{Name: "a", Priority: intPtr(0)})
	assert.ErrorIs(t, err, errs.ErrValidation)

	c, err := e.cases.Create(ctx, service.CreateCaseInput{Name: "claim 42", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPriority, c.Priority)
	assert.Equal(t, models.CaseCreated, c.Status)
	assert.Equal(t, models.ExtractionPending, c.ExtractionStatus)
	assert.Equal(t, "v", c.Metadata["k"])
}

func TestGetCaseNotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.cases.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateCase(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newCase(t, "a", 5)

	status := "completed"
	_, err := e.cases.Update(ctx, c.ID, service.CasePatch{Status: &status})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.cases.Update(ctx, c.ID, service.CasePatch{ExtractionStatus: &status})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.cases.Update(ctx, c.ID, service.CasePatch{Priority: intPtr(42)})
	assert.ErrorIs(t, err, errs.ErrValidation)

	desc := "scanned claim"
	updated, err := e.cases.Update(ctx, c.ID, service.CasePatch{
		Description: &desc,
		Metadata:    map[string]string{"source": "fax"},
		Priority:    intPtr(9),
	})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, desc, *updated.Description)
	assert.Equal(t, map[string]string{"source": "fax"}, updated.Metadata)
	assert.Equal(t, c.Version+1, updated.Version)
	assert.Equal(t, models.CaseCreated, updated.Status)
}

func TestListCasesStableUnderInserts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, e.newCase(t, "old", 5).ID)
	}

	first, err := e.cases.List(ctx, "", 2, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	// Higher priority sorts ahead of everything already seen.
	for i := 0; i < 3; i++ {
		e.newCase(t, "urgent", 10)
	}

	var seen []string
	for _, c := range first.Items {
		seen = append(seen, c.ID)
	}
	next := first.NextCursor
	for next != "" {
		page, err := e.cases.List(ctx, "", 2, next)
		require.NoError(t, err)
		for _, c := range page.Items {
			seen = append(seen, c.ID)
		}
		next = page.NextCursor
	}
	assert.Equal(t, want, seen)
}

func TestListCasesFiltersAndRejectsForeignCursor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.readyCases(t, 2, 5)
	e.newCase(t, "fresh", 5)

	ready, err := e.cases.List(ctx, models.CaseReadyForExtraction, 1, "")
	require.NoError(t, err)
	require.Len(t, ready.Items, 1)
	require.NotEmpty(t, ready.NextCursor)

	_, err = e.cases.List(ctx, models.CaseCreated, 1, ready.NextCursor)
	assert.ErrorIs(t, err, errs.ErrInvalidCursor)
	_, err = e.cases.List(ctx, "", 1, "garbage")
	assert.ErrorIs(t, err, errs.ErrInvalidCursor)
	_, err = e.cases.List(ctx, "bogus", 1, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.cases.List(ctx, "", service.MaxPageSize+1, "")
	assert.ErrorIs(t, err, errs.ErrValidation)

	created, err := e.cases.List(ctx, models.CaseCreated, 0, "")
	require.NoError(t, err)
	assert.Len(t, created.Items, 1)
	assert.Empty(t, created.NextCursor)
}

func TestReopenCase(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.readyCases(t, 1, 5)[0]

	_, err := e.cases.Reopen(ctx, c.ID)
	assert.ErrorIs(t, err, errs.ErrValidation)

	claim, err := e.leases.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	_, err = e.leases.Report(ctx, service.ReportInput{CaseID: c.ID, LeaseToken: claim.LeaseToken, Outcome: models.OutcomeSucceeded})
	require.NoError(t, err)

	reopened, err := e.cases.Reopen(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseReadyForExtraction, reopened.Status)
	assert.Equal(t, models.ExtractionPending, reopened.ExtractionStatus)
}

func TestStatsCountsStates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.readyCases(t, 2, 5)
	e.newCase(t, "fresh", 5)
	_, err := e.leases.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)

	st, err := e.cases.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalCases)
	assert.Equal(t, 1, st.TotalJobs)
	assert.Equal(t, 1, st.ActiveLeases)
	assert.Equal(t, 1, st.CaseStatuses[string(models.CaseCreated)])
	assert.Equal(t, 1, st.CaseStatuses[string(models.CaseReadyForExtraction)])
	assert.Equal(t, 1, st.CaseStatuses[string(models.CaseExtractionInProgress)])
	assert.Equal(t, 1, st.JobStatuses[string(models.JobCompleted)])
}

func TestAddDocument(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newCase(t, "a", 5)

	_, err := e.docs.Add(ctx, "missing", service.AddDocumentInput{Filename: "a.pdf", URL: "https://x/a.pdf"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.docs.Add(ctx, c.ID, service.AddDocumentInput{URL: "https://x/a.pdf"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.docs.Add(ctx, c.ID, service.AddDocumentInput{Filename: "a.pdf"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.docs.Add(ctx, c.ID, service.AddDocumentInput{Filename: "a.pdf", URL: "https://x/a.pdf", BlobRef: "blob://a"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	doc, err := e.docs.Add(ctx, c.ID, service.AddDocumentInput{Filename: "a.pdf", BlobRef: "blob://a"})
	require.NoError(t, err)
	assert.Equal(t, models.DocumentUploaded, doc.Status)
	assert.Equal(t, "blob://a", doc.Source())

	docs, err := e.docs.List(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)

	got, err := e.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Documents, 1)

	_, err = e.jobs.Create(ctx, service.CreateJobInput{CaseIDs: []string{c.ID}})
	require.NoError(t, err)
	_, err = e.docs.Add(ctx, c.ID, service.AddDocumentInput{Filename: "b.pdf", URL: "https://x/b.pdf"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = e.docs.List(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
