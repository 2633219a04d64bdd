package idempotency_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/errs"
	"caseflow/internal/idempotency"
	"caseflow/internal/models"
	"caseflow/internal/repository/repositorytest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newStore(t *testing.T, opts ...idempotency.Option) *idempotency.Store {
	t.Helper()
	return idempotency.NewStore(repositorytest.New(t), discard, opts...)
}

func counting(calls *int32, body string) func(context.Context) (idempotency.Result, error) {
	return func(context.Context) (idempotency.Result, error) {
		atomic.AddInt32(calls, 1)
		return idempotency.Result{StatusCode: 201, Body: []byte(body)}, nil
	}
}

func TestExecuteOnceReplaysSameRequest(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	var calls int32

	first, replayed, err := store.ExecuteOnce(ctx, "k1", "fp-a", counting(&calls, `{"id":"c1"}`))
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := store.ExecuteOnce(ctx, "k1", "fp-a", counting(&calls, `{"id":"c2"}`))
	require.NoError(t, err)
	assert.True(t, replayed)

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.JSONEq(t, string(first.Body), string(second.Body))
}

func TestExecuteOnceRejectsDifferentRequest(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	var calls int32

	_, _, err := store.ExecuteOnce(ctx, "k1", "fp-a", counting(&calls, `{}`))
	require.NoError(t, err)

	_, _, err = store.ExecuteOnce(ctx, "k1", "fp-b", counting(&calls, `{}`))
	assert.ErrorIs(t, err, errs.ErrIdempotencyConflict)
	assert.False(t, errs.Retryable(err))
	assert.Equal(t, int32(1), calls)
}

func TestExecuteOnceRequiresKey(t *testing.T) {
	store := newStore(t)
	var calls int32

	_, _, err := store.ExecuteOnce(context.Background(), "", "fp", counting(&calls, `{}`))
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Zero(t, calls)
}

func TestExecuteOnceReleasesKeyOnFailure(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	boom := errs.Validation("name is required")

	_, _, err := store.ExecuteOnce(ctx, "k1", "fp", func(context.Context) (idempotency.Result, error) {
		return idempotency.Result{}, boom
	})
	assert.True(t, errors.Is(err, boom))

	var calls int32
	_, replayed, err := store.ExecuteOnce(ctx, "k1", "fp", counting(&calls, `{}`))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int32(1), calls)
}

func TestExecuteOnceConcurrentDuplicatesRunOnce(t *testing.T) {
	store := newStore(t, idempotency.WithPollInterval(5*time.Millisecond))
	ctx := context.Background()
	var calls int32

	op := func(context.Context) (idempotency.Result, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return idempotency.Result{StatusCode: 201, Body: []byte(`{"id":"c1"}`)}, nil
	}

	var wg sync.WaitGroup
	results := make([]idempotency.Result, 6)
	errList := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errList[i] = store.ExecuteOnce(ctx, "k1", "fp", op)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for i := range results {
		require.NoError(t, errList[i])
		assert.Equal(t, 201, results[i].StatusCode)
		assert.JSONEq(t, `{"id":"c1"}`, string(results[i].Body))
	}
}

func TestExecuteOnceInFlightDuplicateTimesOut(t *testing.T) {
	store := newStore(t,
		idempotency.WithWaitTimeout(30*time.Millisecond),
		idempotency.WithPollInterval(5*time.Millisecond),
	)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = store.ExecuteOnce(ctx, "k1", "fp", func(context.Context) (idempotency.Result, error) {
			close(started)
			<-release
			return idempotency.Result{StatusCode: 200}, nil
		})
	}()
	<-started

	var calls int32
	_, _, err := store.ExecuteOnce(ctx, "k1", "fp", counting(&calls, `{}`))
	assert.ErrorIs(t, err, errs.ErrIdempotencyConflict)
	assert.True(t, errs.Retryable(err))
	assert.Zero(t, calls)

	close(release)
	<-done
}

func TestExecuteOnceTreatsExpiredKeyAsNew(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := newStore(t, idempotency.WithTTL(time.Hour), idempotency.WithClock(clock))
	ctx := context.Background()
	var calls int32

	_, _, err := store.ExecuteOnce(ctx, "k1", "fp-a", counting(&calls, `{}`))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	_, replayed, err := store.ExecuteOnce(ctx, "k1", "fp-b", counting(&calls, `{}`))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int32(2), calls)
}

func TestFingerprintSeparatesParts(t *testing.T) {
	a := idempotency.Fingerprint([]byte("POST"), []byte("/v1/cases"), []byte(`{"name":"a"}`))
	b := idempotency.Fingerprint([]byte("POST"), []byte("/v1/cases"), []byte(`{"name":"b"}`))
	c := idempotency.Fingerprint([]byte("POST/v1"), []byte("/cases"), []byte(`{"name":"a"}`))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, idempotency.Fingerprint([]byte("POST"), []byte("/v1/cases"), []byte(`{"name":"a"}`)))
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("CASEFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CASEFLOW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	backend, err := idempotency.NewRedisBackend(ctx, idempotency.RedisOptions{Addr: addr, Prefix: "caseflow-test:" + t.Name() + ":"})
	require.NoError(t, err)
	defer backend.Close()

	store := idempotency.NewStore(backend, discard)
	var calls int32
	key := time.Now().Format(time.RFC3339Nano)

	_, _, err = store.ExecuteOnce(ctx, key, "fp", counting(&calls, `{"ok":true}`))
	require.NoError(t, err)
	res, replayed, err := store.ExecuteOnce(ctx, key, "fp", counting(&calls, `{}`))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))

	_, _, err = store.ExecuteOnce(ctx, key, "other", counting(&calls, `{}`))
	assert.ErrorIs(t, err, errs.ErrIdempotencyConflict)
	assert.Equal(t, int32(1), calls)
}

func TestRedisBackendStaleTakeoverHasOneWinner(t *testing.T) {
	addr := os.Getenv("CASEFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CASEFLOW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	backend, err := idempotency.NewRedisBackend(ctx, idempotency.RedisOptions{Addr: addr, Prefix: "caseflow-test:" + t.Name() + ":"})
	require.NoError(t, err)
	defer backend.Close()

	key := time.Now().Format(time.RFC3339Nano)
	old := time.Now().Add(-time.Hour)
	existing, err := backend.ReserveIdempotencyKey(ctx, &models.IdempotencyRecord{
		Key: key, Fingerprint: "fp", CreatedAt: old, ExpiresAt: old.Add(24 * time.Hour),
		State: models.IdempotencyPending,
	}, old.Add(-time.Minute))
	require.NoError(t, err)
	require.Nil(t, existing)

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			existing, err := backend.ReserveIdempotencyKey(ctx, &models.IdempotencyRecord{
				Key: key, Fingerprint: "fp", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
				State: models.IdempotencyPending,
			}, now.Add(-time.Minute))
			if err == nil && existing == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}
