// Package idempotency makes mutating operations safe to retry. Each
// operation runs at most once per client-supplied key; repeats with the same
// request replay the stored response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"caseflow/internal/errs"
	"caseflow/internal/models"
)

// Backend persists idempotency records. Reserve must be atomic per key.
type Backend interface {
	// ReserveIdempotencyKey stores rec as pending and returns nil, or
	// returns the live record already holding the key.
	ReserveIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord, staleBefore time.Time) (*models.IdempotencyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, key string, statusCode int, body []byte) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}

// Result is the response produced by an operation.
type Result struct {
	StatusCode int
	Body       []byte
}

type replayCounter interface {
	IncrementIdempotentReplays()
}

// Store deduplicates operations by key.
type Store struct {
	backend Backend
	logger  *slog.Logger
	metrics replayCounter
	now     func() time.Time

	ttl            time.Duration
	waitTimeout    time.Duration
	pollInterval   time.Duration
	pendingTimeout time.Duration
}

type Option func(*Store)

// WithTTL sets how long a completed response is replayed.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithWaitTimeout bounds how long a duplicate waits for the original
// request to finish.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithPendingTimeout sets the age after which a pending reservation is
// considered abandoned by a crashed process and may be taken over.
func WithPendingTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pendingTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m replayCounter) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:        backend,
		logger:         logger,
		now:            time.Now,
		ttl:            24 * time.Hour,
		waitTimeout:    5 * time.Second,
		pollInterval:   50 * time.Millisecond,
		pendingTimeout: 2 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fingerprint hashes the parts identifying a request.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ExecuteOnce runs op at most once for key. A repeat with the same
// fingerprint returns the stored result and replayed=true. A repeat with a
// different fingerprint fails with an idempotency conflict. If op fails the
// key is released and the error returned unchanged.
func (s *Store) ExecuteOnce(ctx context.Context, key, fingerprint string, op func(ctx context.Context) (Result, error)) (Result, bool, error) {
	if key == "" {
		return Result{}, false, errs.Validation("idempotency key is required")
	}

	deadline := time.Now().Add(s.waitTimeout)
	for {
		now := s.now()
		rec := &models.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			State:       models.IdempotencyPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.ttl),
		}
		existing, err := s.backend.ReserveIdempotencyKey(ctx, rec, now.Add(-s.pendingTimeout))
		if err != nil {
			return Result{}, false, errs.Internal(err, "reserve idempotency key")
		}

		if existing == nil {
			return s.run(ctx, key, op)
		}
		if existing.Fingerprint != fingerprint {
			return Result{}, false, errs.IdempotencyConflict("idempotency key %q was already used with a different request", key)
		}
		if existing.State == models.IdempotencyCompleted {
			if s.metrics != nil {
				s.metrics.IncrementIdempotentReplays()
			}
			s.logger.Debug("replaying stored response", "idempotency_key", key)
			return Result{StatusCode: existing.StatusCode, Body: existing.Body}, true, nil
		}

		if !time.Now().Before(deadline) {
			return Result{}, false, errs.IdempotencyInProgress(key)
		}
		select {
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Store) run(ctx context.Context, key string, op func(ctx context.Context) (Result, error)) (Result, bool, error) {
	res, err := op(ctx)
	if err != nil {
		if rerr := s.backend.ReleaseIdempotencyKey(context.WithoutCancel(ctx), key); rerr != nil {
			s.logger.Error("failed to release idempotency key", "idempotency_key", key, "error", rerr)
		}
		return Result{}, false, err
	}
	if cerr := s.backend.CompleteIdempotencyKey(context.WithoutCancel(ctx), key, res.StatusCode, res.Body); cerr != nil {
		s.logger.Error("failed to store idempotent response", "idempotency_key", key, "error", cerr)
	}
	return res, false, nil
}

// RunPurge deletes expired records every interval until ctx is done.
func (s *Store) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.backend.PurgeIdempotencyKeys(ctx, s.now())
			if err != nil {
				s.logger.Error("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("purged expired idempotency keys", "count", n)
			}
		}
	}
}
