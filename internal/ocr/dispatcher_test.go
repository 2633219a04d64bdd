package ocr_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/models"
	"caseflow/internal/ocr"
	"caseflow/internal/repository/repositorytest"
	"caseflow/internal/service"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeEngine fails every document whose filename starts with "bad".
type fakeEngine struct {
	mu       sync.Mutex
	requests []ocr.Request
}

func (e *fakeEngine) Process(_ context.Context, req ocr.Request) error {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if strings.HasPrefix(req.Filename, "bad") {
		return errors.New("unreadable page")
	}
	return nil
}

type fixture struct {
	cases *service.CaseService
	docs  *service.DocumentService
	jobs  *service.JobService
}

func newFixture(t *testing.T) *fixture {
	deps := service.Deps{Repo: repositorytest.New(t), Logger: discard}
	return &fixture{
		cases: service.NewCaseService(deps),
		docs:  service.NewDocumentService(deps),
		jobs:  service.NewJobService(deps),
	}
}

func (f *fixture) caseWithDocs(t *testing.T, filenames ...string) string {
	ctx := context.Background()
	c, err := f.cases.Create(ctx, service.CreateCaseInput{Name: "case"})
	require.NoError(t, err)
	for _, name := range filenames {
		_, err := f.docs.Add(ctx, c.ID, service.AddDocumentInput{Filename: name, URL: "https://files/" + name})
		require.NoError(t, err)
	}
	return c.ID
}

func TestProcessJobsReportsEveryCase(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good := f.caseWithDocs(t, "a.pdf", "b.pdf")
	bad := f.caseWithDocs(t, "c.pdf", "bad.pdf")
	empty := f.caseWithDocs(t)

	job, err := f.jobs.Create(ctx, service.CreateJobInput{
		CaseIDs: []string{good, bad, empty},
		Flags:   models.JobFlags{EnableHandwritingDetection: true},
	})
	require.NoError(t, err)

	engine := &fakeEngine{}
	d := ocr.NewDispatcher(f.jobs, f.docs, engine, discard, ocr.WithIdleInterval(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- d.ProcessJobs(ctx) }()

	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(context.Background(), job.ID)
		return err == nil && j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	finished, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPartiallyFailed, finished.Status)
	assert.Equal(t, models.OutcomeSucceeded, finished.Results[good].Outcome)
	assert.Equal(t, models.OutcomeFailed, finished.Results[bad].Outcome)
	assert.Contains(t, finished.Results[bad].Detail, "bad.pdf")
	assert.Equal(t, models.OutcomeFailed, finished.Results[empty].Outcome)

	c, err := f.cases.Get(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, models.CaseReadyForExtraction, c.Status)
	for _, doc := range c.Documents {
		assert.Equal(t, models.DocumentProcessed, doc.Status)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.NotEmpty(t, engine.requests)
	for _, req := range engine.requests {
		assert.Equal(t, job.ID, req.JobID)
		assert.Equal(t, "vie", req.Language)
		assert.True(t, req.EnableHandwritingDetection)
	}
}

func TestProcessJobSkipsRecordedCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.caseWithDocs(t, "a.pdf")
	open := f.caseWithDocs(t, "b.pdf")

	job, err := f.jobs.Create(ctx, service.CreateJobInput{CaseIDs: []string{done, open}})
	require.NoError(t, err)
	job, err = f.jobs.RecordResult(ctx, job.ID, done, models.OutcomeSucceeded, "")
	require.NoError(t, err)

	engine := &fakeEngine{}
	ocr.NewDispatcher(f.jobs, f.docs, engine, discard).ProcessJob(ctx, job)

	require.Len(t, engine.requests, 1)
	assert.Equal(t, open, engine.requests[0].CaseID)

	finished, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, finished.Status)
}

func TestHTTPEngine(t *testing.T) {
	received := make(chan ocr.Request, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ocr.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- req
		if req.Filename == "broken.pdf" {
			http.Error(w, "cannot decode", http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := ocr.NewHTTPEngine(srv.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, engine.Process(ctx, ocr.Request{JobID: "j1", DocumentID: "d1", Filename: "ok.pdf", BlobRef: "blob://d1", Language: "vie"}))
	got := <-received
	assert.Equal(t, "blob://d1", got.BlobRef)
	assert.Equal(t, "vie", got.Language)

	err := engine.Process(ctx, ocr.Request{Filename: "broken.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "cannot decode")
}

// heldEngine blocks every document until release is closed.
type heldEngine struct {
	release chan struct{}
}

func (e *heldEngine) Process(ctx context.Context, _ ocr.Request) error {
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestProcessJobRenewsDispatchLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.caseWithDocs(t, "a.pdf")
	_, err := f.jobs.Create(ctx, service.CreateJobInput{CaseIDs: []string{id}})
	require.NoError(t, err)

	lease := 150 * time.Millisecond
	job, err := f.jobs.LeaseForDispatch(ctx, lease)
	require.NoError(t, err)
	require.NotNil(t, job)

	engine := &heldEngine{release: make(chan struct{})}
	d := ocr.NewDispatcher(f.jobs, f.docs, engine, discard, ocr.WithLease(lease))
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.ProcessJob(ctx, job)
	}()

	time.Sleep(3 * lease)
	other, err := f.jobs.LeaseForDispatch(ctx, lease)
	require.NoError(t, err)
	assert.Nil(t, other, "a job in flight is not handed to another dispatcher")

	close(engine.release)
	<-done
	finished, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, finished.Status)
}
