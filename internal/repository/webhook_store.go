package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"caseflow/internal/models"
)

// CreateListener registers a webhook endpoint
func (r *SQLRepository) CreateListener(ctx context.Context, l *models.Listener) error {
	eventTypes := l.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}
	encoded, err := encodeJSON(eventTypes)
	if err != nil {
		return fmt.Errorf("failed to encode event types: %w", err)
	}
	_, err = r.exec(ctx, r.db,
		`INSERT INTO webhook_listeners (id, url, event_types, created_at) VALUES (?, ?, ?, ?)`,
		l.ID, l.URL, encoded, unixNano(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	return nil
}

// ListListeners returns every registered endpoint, oldest first
func (r *SQLRepository) ListListeners(ctx context.Context) ([]*models.Listener, error) {
	rows, err := r.query(ctx, r.db,
		`SELECT id, url, event_types, created_at FROM webhook_listeners ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query listeners: %w", err)
	}
	defer rows.Close()

	var listeners []*models.Listener
	for rows.Next() {
		var (
			l          models.Listener
			eventTypes string
			createdAt  int64
		)
		if err := rows.Scan(&l.ID, &l.URL, &eventTypes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan listener: %w", err)
		}
		if err := json.Unmarshal([]byte(eventTypes), &l.EventTypes); err != nil {
			return nil, fmt.Errorf("failed to decode event types of listener %s: %w", l.ID, err)
		}
		l.CreatedAt = fromUnixNano(createdAt)
		listeners = append(listeners, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listeners: %w", err)
	}
	return listeners, nil
}

// DeleteListener removes a listener. Its delivery history is kept.
func (r *SQLRepository) DeleteListener(ctx context.Context, id string) error {
	res, err := r.exec(ctx, r.db, `DELETE FROM webhook_listeners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete listener: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete listener: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const deliveryColumns = `id, event_id, event_type, listener_id, url, payload, status, attempts,
	last_error, created_at, updated_at, delivered_at`

func (r *SQLRepository) insertDelivery(ctx context.Context, q dbtx, d *models.Delivery) error {
	_, err := r.exec(ctx, q, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.EventID,
		d.EventType,
		d.ListenerID,
		d.URL,
		string(d.Payload),
		d.Status,
		d.Attempts,
		nullableString(d.LastError),
		unixNano(d.CreatedAt),
		unixNano(d.UpdatedAt),
		nullableTime(d.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

// UpdateDelivery records the outcome of a delivery attempt
func (r *SQLRepository) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	res, err := r.exec(ctx, r.db, `
		UPDATE webhook_deliveries
		SET status = ?, attempts = ?, last_error = ?, updated_at = ?, delivered_at = ?
		WHERE id = ?`,
		d.Status,
		d.Attempts,
		nullableString(d.LastError),
		unixNano(d.UpdatedAt),
		nullableTime(d.DeliveredAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeliveries returns the delivery history, newest first. An empty
// status lists every delivery.
func (r *SQLRepository) ListDeliveries(ctx context.Context, status models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryDeliveries(ctx, query, args...)
}

// ListPendingDeliveries returns deliveries still awaiting a final outcome,
// oldest first.
func (r *SQLRepository) ListPendingDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error) {
	return r.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		models.DeliveryPending, limit)
}

func (r *SQLRepository) queryDeliveries(ctx context.Context, query string, args ...any) ([]*models.Delivery, error) {
	rows, err := r.query(ctx, r.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.Delivery
	for rows.Next() {
		var (
			d                    models.Delivery
			payload              string
			lastError            sql.NullString
			createdAt, updatedAt int64
			deliveredAt          sql.NullInt64
		)
		err := rows.Scan(
			&d.ID,
			&d.EventID,
			&d.EventType,
			&d.ListenerID,
			&d.URL,
			&payload,
			&d.Status,
			&d.Attempts,
			&lastError,
			&createdAt,
			&updatedAt,
			&deliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Payload = json.RawMessage(payload)
		d.LastError = lastError.String
		d.CreatedAt = fromUnixNano(createdAt)
		d.UpdatedAt = fromUnixNano(updatedAt)
		d.DeliveredAt = timePtr(deliveredAt)
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}
	return deliveries, nil
}
