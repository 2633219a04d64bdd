package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/models"
)

// ReserveIdempotencyKey inserts rec as a pending reservation. When the key
// is already held it returns the existing record instead. Records that
// expired, or pending reservations created before staleBefore, are replaced.
func (r *SQLRepository) ReserveIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord, staleBefore time.Time) (*models.IdempotencyRecord, error) {
	for attempt := 0; attempt < 3; attempt++ {
		res, err := r.exec(ctx, r.db, `
			INSERT INTO idempotency_keys (idem_key, fingerprint, state, status_code, body, created_at, expires_at)
			VALUES (?, ?, ?, 0, NULL, ?, ?)
			ON CONFLICT (idem_key) DO NOTHING`,
			rec.Key, rec.Fingerprint, models.IdempotencyPending, unixNano(rec.CreatedAt), unixNano(rec.ExpiresAt))
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if n == 1 {
			return nil, nil
		}

		existing, err := r.GetIdempotencyKey(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			continue
		}
		abandoned := existing.State == models.IdempotencyPending && existing.CreatedAt.Before(staleBefore)
		if !existing.ExpiresAt.After(rec.CreatedAt) || abandoned {
			_, err := r.exec(ctx, r.db,
				`DELETE FROM idempotency_keys WHERE idem_key = ? AND created_at = ?`,
				rec.Key, unixNano(existing.CreatedAt))
			if err != nil {
				return nil, fmt.Errorf("failed to drop stale idempotency key: %w", err)
			}
			continue
		}
		return existing, nil
	}
	return nil, fmt.Errorf("failed to reserve idempotency key %q: %w", rec.Key, ErrConflict)
}

// CompleteIdempotencyKey stores the response produced for a reserved key
func (r *SQLRepository) CompleteIdempotencyKey(ctx context.Context, key string, statusCode int, body []byte) error {
	_, err := r.exec(ctx, r.db,
		`UPDATE idempotency_keys SET state = ?, status_code = ?, body = ? WHERE idem_key = ?`,
		models.IdempotencyCompleted, statusCode, string(body), key)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops a pending reservation so the key can be retried
func (r *SQLRepository) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := r.exec(ctx, r.db,
		`DELETE FROM idempotency_keys WHERE idem_key = ? AND state = ?`, key, models.IdempotencyPending)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// GetIdempotencyKey returns the record for key, or nil when absent
func (r *SQLRepository) GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var (
		rec                  models.IdempotencyRecord
		body                 sql.NullString
		createdAt, expiresAt int64
	)
	err := r.queryRow(ctx, r.db, `
		SELECT idem_key, fingerprint, state, status_code, body, created_at, expires_at
		FROM idempotency_keys WHERE idem_key = ?`, key).Scan(
		&rec.Key, &rec.Fingerprint, &rec.State, &rec.StatusCode, &body, &createdAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	if body.Valid {
		rec.Body = []byte(body.String)
	}
	rec.CreatedAt = fromUnixNano(createdAt)
	rec.ExpiresAt = fromUnixNano(expiresAt)
	return &rec, nil
}

// PurgeIdempotencyKeys deletes records whose retention window has passed
func (r *SQLRepository) PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.exec(ctx, r.db, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, unixNano(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
