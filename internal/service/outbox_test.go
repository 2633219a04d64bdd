package service_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/models"
	"caseflow/internal/service"
	"caseflow/internal/webhook"
)

// outbox returns events of eventType that no dispatcher has fanned out.
func (e *env) outbox(t *testing.T, eventType string) []*models.Event {
	t.Helper()
	events, err := e.repo.ListPendingEvents(context.Background(), 100)
	require.NoError(t, err)
	var out []*models.Event
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func newEventLog(t *testing.T) (*eventLog, string) {
	l := &eventLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		l.mu.Lock()
		l.types = append(l.types, ev.Type)
		l.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return l, srv.URL
}

func TestTerminalJobEventSurvivesPublishFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.newCase(t, "a", 5)
	job, err := e.jobs.Create(ctx, service.CreateJobInput{CaseIDs: []string{c.ID}})
	require.NoError(t, err)

	e.events.failNext(models.EventJobCompleted)
	finished, err := e.jobs.RecordResult(ctx, job.ID, c.ID, models.OutcomeSucceeded, "")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, finished.Status)
	assert.Empty(t, e.events.ofType(models.EventJobCompleted))

	// The retried callback is ignored and records nothing new.
	_, err = e.jobs.RecordResult(ctx, job.ID, c.ID, models.OutcomeSucceeded, "")
	require.NoError(t, err)
	require.Len(t, e.outbox(t, models.EventJobCompleted), 1)

	received, url := newEventLog(t)
	d := webhook.NewDispatcher(e.repo, slog.New(slog.NewTextHandler(io.Discard, nil)),
		webhook.WithStaticListeners([]webhook.StaticListener{{URL: url}}))
	require.NoError(t, d.Start(ctx))
	t.Cleanup(d.Stop)

	require.Eventually(t, func() bool {
		return received.count(models.EventJobCompleted) == 1 &&
			received.count(models.EventJobDispatched) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.outbox(t, models.EventJobCompleted))
}

func TestLeaseExpiredEventSurvivesPublishFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.readyCases(t, 1, 5)[0]

	claim, err := e.leases.Claim(ctx, 1, time.Second)
	require.NoError(t, err)
	e.clock.Advance(2 * time.Second)

	e.events.failNext(models.EventLeaseExpired)
	n, err := e.sweeper.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, e.events.ofType(models.EventLeaseExpired))

	pending := e.outbox(t, models.EventLeaseExpired)
	require.Len(t, pending, 1)
	var data map[string]any
	require.NoError(t, json.Unmarshal(pending[0].Data, &data))
	assert.Equal(t, []any{c.ID}, data["case_ids"])
	assert.Equal(t, claim.LeaseToken, data["lease_token"])
}

func TestEventsAreCommittedWithTheirTransition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.readyCases(t, 1, 5)[0]

	claim, err := e.leases.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	_, err = e.leases.Report(ctx, service.ReportInput{CaseID: c.ID, LeaseToken: claim.LeaseToken, Outcome: models.OutcomeSucceeded})
	require.NoError(t, err)
	_, err = e.cases.Reopen(ctx, c.ID)
	require.NoError(t, err)

	assert.Len(t, e.outbox(t, models.EventCaseExtractionSucceeded), 1)
	// One from OCR, one from reopening.
	assert.Len(t, e.outbox(t, models.EventCaseReadyForExtraction), 2)
	assert.Len(t, e.events.ofType(models.EventCaseReadyForExtraction), 2)
}
