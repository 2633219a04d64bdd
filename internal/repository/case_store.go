package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/models"
)

const caseColumns = `id, name, description, metadata, priority, status, extraction_status,
	lease_token, lease_acquired_at, lease_expires_at, last_lease_token, ready_since,
	error_message, created_at, updated_at, version`

func scanCase(s scanner) (*models.Case, error) {
	var (
		c                                              models.Case
		description, leaseToken, lastToken, errMessage sql.NullString
		acquiredAt, expiresAt, readySince              sql.NullInt64
		metadata                                       string
		createdAt, updatedAt                           int64
	)
	err := s.Scan(
		&c.ID,
		&c.Name,
		&description,
		&metadata,
		&c.Priority,
		&c.Status,
		&c.ExtractionStatus,
		&leaseToken,
		&acquiredAt,
		&expiresAt,
		&lastToken,
		&readySince,
		&errMessage,
		&createdAt,
		&updatedAt,
		&c.Version,
	)
	if err != nil {
		return nil, err
	}

	if c.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of case %s: %w", c.ID, err)
	}
	c.Description = stringPtr(description)
	c.ErrorMessage = stringPtr(errMessage)
	c.LeaseToken = leaseToken.String
	c.LastLeaseToken = lastToken.String
	c.LeaseAcquiredAt = timePtr(acquiredAt)
	c.LeaseExpiresAt = timePtr(expiresAt)
	c.ReadySince = timePtr(readySince)
	c.CreatedAt = fromUnixNano(createdAt)
	c.UpdatedAt = fromUnixNano(updatedAt)
	return &c, nil
}

func scanCases(rows *sql.Rows) ([]*models.Case, error) {
	defer rows.Close()

	var cases []*models.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cases: %w", err)
	}
	return cases, nil
}

// CreateCase inserts a new case with version 1
func (r *SQLRepository) CreateCase(ctx context.Context, c *models.Case) error {
	metadata, err := metadataJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	c.Version = 1
	_, err = r.exec(ctx, r.db, `
		INSERT INTO cases (`+caseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.Name,
		nullableStringPtr(c.Description),
		metadata,
		c.Priority,
		c.Status,
		c.ExtractionStatus,
		nullableString(c.LeaseToken),
		nullableTime(c.LeaseAcquiredAt),
		nullableTime(c.LeaseExpiresAt),
		nullableString(c.LastLeaseToken),
		nullableTime(c.ReadySince),
		nullableStringPtr(c.ErrorMessage),
		unixNano(c.CreatedAt),
		unixNano(c.UpdatedAt),
		c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create case: %w", err)
	}
	return nil
}

// GetCase retrieves a case by ID
func (r *SQLRepository) GetCase(ctx context.Context, id string) (*models.Case, error) {
	return r.getCase(ctx, r.db, id)
}

func (r *SQLRepository) getCase(ctx context.Context, q dbtx, id string) (*models.Case, error) {
	c, err := scanCase(r.queryRow(ctx, q, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// SaveCase writes c if nobody changed it since it was read.
func (r *SQLRepository) SaveCase(ctx context.Context, c *models.Case) error {
	if err := r.swapCase(ctx, r.db, c); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (r *SQLRepository) swapCase(ctx context.Context, q dbtx, c *models.Case) error {
	metadata, err := metadataJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	res, err := r.exec(ctx, q, `
		UPDATE cases
		SET name = ?,
		    description = ?,
		    metadata = ?,
		    priority = ?,
		    status = ?,
		    extraction_status = ?,
		    lease_token = ?,
		    lease_acquired_at = ?,
		    lease_expires_at = ?,
		    last_lease_token = ?,
		    ready_since = ?,
		    error_message = ?,
		    updated_at = ?,
		    version = version + 1
		WHERE id = ? AND version = ?`,
		c.Name,
		nullableStringPtr(c.Description),
		metadata,
		c.Priority,
		c.Status,
		c.ExtractionStatus,
		nullableString(c.LeaseToken),
		nullableTime(c.LeaseAcquiredAt),
		nullableTime(c.LeaseExpiresAt),
		nullableString(c.LastLeaseToken),
		nullableTime(c.ReadySince),
		nullableStringPtr(c.ErrorMessage),
		unixNano(c.UpdatedAt),
		c.ID,
		c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	return swapped(res, "case "+c.ID)
}

// ListCases returns one page of cases after f.After.
func (r *SQLRepository) ListCases(ctx context.Context, f CaseFilter) ([]*models.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.After != nil {
		created := unixNano(f.After.Time)
		query += ` AND (priority < ? OR (priority = ? AND (created_at > ? OR (created_at = ? AND id > ?))))`
		args = append(args, f.After.Priority, f.After.Priority, created, created, f.After.ID)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := r.query(ctx, r.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	return scanCases(rows)
}

const readyOrder = ` ORDER BY priority DESC, ready_since ASC, id ASC LIMIT ?`

// ListReadyCases returns the cases the next claim would select, without
// changing them.
func (r *SQLRepository) ListReadyCases(ctx context.Context, limit int) ([]*models.Case, error) {
	rows, err := r.query(ctx, r.db,
		`SELECT `+caseColumns+` FROM cases WHERE status = ?`+readyOrder,
		models.CaseReadyForExtraction, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready cases: %w", err)
	}
	return scanCases(rows)
}

// ClaimReadyCases selects up to limit ready cases and applies claim to each
// inside one transaction. Every case is compare-and-swapped on its version;
// a case taken by a concurrent claimant is skipped.
func (r *SQLRepository) ClaimReadyCases(ctx context.Context, limit int, claim func(*models.Case) error) ([]*models.Case, error) {
	var claimed []*models.Case
	err := r.withTx(ctx, func(ctx context.Context, tx dbtx) error {
		rows, err := r.query(ctx, tx,
			`SELECT `+caseColumns+` FROM cases WHERE status = ?`+readyOrder+r.dialect.skipLocked,
			models.CaseReadyForExtraction, limit)
		if err != nil {
			return fmt.Errorf("failed to query ready cases: %w", err)
		}
		candidates, err := scanCases(rows)
		if err != nil {
			return err
		}

		for _, c := range candidates {
			if err := claim(c); err != nil {
				return err
			}
			err := r.swapCase(ctx, tx, c)
			if errors.Is(err, ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range claimed {
		c.Version++
	}
	return claimed, nil
}

// ListExpiredLeases returns in-progress cases whose lease ran out before now.
func (r *SQLRepository) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Case, error) {
	rows, err := r.query(ctx, r.db, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC
		LIMIT ?`,
		models.CaseExtractionInProgress, unixNano(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leases: %w", err)
	}
	return scanCases(rows)
}

const documentColumns = `id, case_id, filename, url, blob_ref, metadata, status, created_at, updated_at`

func (r *SQLRepository) insertDocument(ctx context.Context, q dbtx, d *models.Document) error {
	metadata, err := metadataJSON(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = r.exec(ctx, q, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.CaseID,
		d.Filename,
		nullableString(d.URL),
		nullableString(d.BlobRef),
		metadata,
		d.Status,
		unixNano(d.CreatedAt),
		unixNano(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// ListDocuments returns the documents of a case in upload order
func (r *SQLRepository) ListDocuments(ctx context.Context, caseID string) ([]*models.Document, error) {
	rows, err := r.query(ctx, r.db,
		`SELECT `+documentColumns+` FROM documents WHERE case_id = ? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var (
			d                    models.Document
			url, blobRef         sql.NullString
			metadata             string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Filename, &url, &blobRef, &metadata, &d.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if d.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of document %s: %w", d.ID, err)
		}
		d.URL = url.String
		d.BlobRef = blobRef.String
		d.CreatedAt = fromUnixNano(createdAt)
		d.UpdatedAt = fromUnixNano(updatedAt)
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

func (r *SQLRepository) setDocumentStatus(ctx context.Context, q dbtx, ch DocumentStatusChange, now time.Time) error {
	_, err := r.exec(ctx, q,
		`UPDATE documents SET status = ?, updated_at = ? WHERE case_id = ?`,
		ch.Status, unixNano(now), ch.CaseID)
	if err != nil {
		return fmt.Errorf("failed to update documents of case %s: %w", ch.CaseID, err)
	}
	return nil
}
