package repository

import (
	"context"
	"fmt"
	"time"

	"caseflow/internal/models"
)

func (r *SQLRepository) insertEvent(ctx context.Context, q dbtx, e *models.Event) error {
	_, err := r.exec(ctx, q,
		`INSERT INTO events (id, event_type, data, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Type, string(e.Data), unixNano(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", e.Type, err)
	}
	return nil
}

// ListPendingEvents returns outbox events no dispatcher has fanned out yet,
// oldest first.
func (r *SQLRepository) ListPendingEvents(ctx context.Context, limit int) ([]*models.Event, error) {
	rows, err := r.query(ctx, r.db, `
		SELECT id, event_type, data, created_at
		FROM events
		WHERE dispatched_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			e         models.Event
			data      string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Data = []byte(data)
		e.Timestamp = fromUnixNano(createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// FanOutEvent marks an outbox event dispatched and stores its deliveries in
// one transaction. It returns ErrConflict when the event was already fanned
// out, so each event produces its deliveries once.
func (r *SQLRepository) FanOutEvent(ctx context.Context, eventID string, deliveries []*models.Delivery, now time.Time) error {
	return r.withTx(ctx, func(ctx context.Context, tx dbtx) error {
		res, err := r.exec(ctx, tx,
			`UPDATE events SET dispatched_at = ? WHERE id = ? AND dispatched_at IS NULL`,
			unixNano(now), eventID)
		if err != nil {
			return fmt.Errorf("failed to mark event %s dispatched: %w", eventID, err)
		}
		if err := swapped(res, "event "+eventID); err != nil {
			return err
		}
		for _, d := range deliveries {
			if err := r.insertDelivery(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
}
