package repository

import (
	"context"
	"fmt"
	"time"

	"caseflow/internal/models"
)

// Stats counts records per status.
func (r *SQLRepository) Stats(ctx context.Context, now time.Time) (*models.Stats, error) {
	s := &models.Stats{
		CaseStatuses:       map[string]int{},
		ExtractionStatuses: map[string]int{},
		JobStatuses:        map[string]int{},
	}
	for _, st := range models.CaseStatuses() {
		s.CaseStatuses[string(st)] = 0
	}
	for _, st := range models.ExtractionStatuses() {
		s.ExtractionStatuses[string(st)] = 0
	}
	for _, st := range models.JobStatuses() {
		s.JobStatuses[string(st)] = 0
	}

	groups := []struct {
		query string
		into  map[string]int
		total *int
	}{
		{`SELECT status, COUNT(*) FROM cases GROUP BY status`, s.CaseStatuses, &s.TotalCases},
		{`SELECT extraction_status, COUNT(*) FROM cases GROUP BY extraction_status`, s.ExtractionStatuses, nil},
		{`SELECT status, COUNT(*) FROM jobs GROUP BY status`, s.JobStatuses, &s.TotalJobs},
	}
	for _, g := range groups {
		if err := r.countGroups(ctx, g.query, g.into, g.total); err != nil {
			return nil, err
		}
	}

	counts := []struct {
		query string
		args  []any
		into  *int
	}{
		{`SELECT COUNT(*) FROM documents`, nil, &s.TotalDocuments},
		{`SELECT COUNT(*) FROM cases WHERE status = ? AND lease_expires_at >= ?`,
			[]any{models.CaseExtractionInProgress, unixNano(now)}, &s.ActiveLeases},
		{`SELECT COUNT(*) FROM webhook_deliveries WHERE status = ?`, []any{models.DeliveryPending}, &s.PendingDeliveries},
		{`SELECT COUNT(*) FROM webhook_deliveries WHERE status = ?`, []any{models.DeliveryFailed}, &s.FailedDeliveries},
	}
	for _, c := range counts {
		if err := r.queryRow(ctx, r.db, c.query, c.args...).Scan(c.into); err != nil {
			return nil, fmt.Errorf("failed to count records: %w", err)
		}
	}
	return s, nil
}

func (r *SQLRepository) countGroups(ctx context.Context, query string, into map[string]int, total *int) error {
	rows, err := r.query(ctx, r.db, query)
	if err != nil {
		return fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan count: %w", err)
		}
		into[key] = n
		if total != nil {
			*total += n
		}
	}
	return rows.Err()
}
