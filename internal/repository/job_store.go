package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/models"
)

const jobColumns = `id, case_ids, language, flags, priority, status, results,
	dispatch_expires_at, created_at, updated_at, started_at, completed_at, version`

func scanJob(s scanner) (*models.Job, error) {
	var (
		j                                   models.Job
		caseIDs, flags, results             string
		dispatchExpires, started, completed sql.NullInt64
		createdAt, updatedAt                int64
	)
	err := s.Scan(
		&j.ID,
		&caseIDs,
		&j.Language,
		&flags,
		&j.Priority,
		&j.Status,
		&results,
		&dispatchExpires,
		&createdAt,
		&updatedAt,
		&started,
		&completed,
		&j.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(caseIDs), &j.CaseIDs); err != nil {
		return nil, fmt.Errorf("failed to decode case ids of job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(flags), &j.Flags); err != nil {
		return nil, fmt.Errorf("failed to decode flags of job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &j.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results of job %s: %w", j.ID, err)
	}
	if j.Results == nil {
		j.Results = map[string]models.CaseResult{}
	}
	j.DispatchExpiresAt = timePtr(dispatchExpires)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.CreatedAt = fromUnixNano(createdAt)
	j.UpdatedAt = fromUnixNano(updatedAt)
	return &j, nil
}

type jobJSON struct {
	caseIDs, flags, results string
}

func encodeJob(j *models.Job) (jobJSON, error) {
	var (
		out jobJSON
		err error
	)
	if out.caseIDs, err = encodeJSON(j.CaseIDs); err != nil {
		return out, fmt.Errorf("failed to encode case ids: %w", err)
	}
	if out.flags, err = encodeJSON(j.Flags); err != nil {
		return out, fmt.Errorf("failed to encode flags: %w", err)
	}
	results := j.Results
	if results == nil {
		results = map[string]models.CaseResult{}
	}
	if out.results, err = encodeJSON(results); err != nil {
		return out, fmt.Errorf("failed to encode results: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) insertJob(ctx context.Context, q dbtx, j *models.Job) error {
	enc, err := encodeJob(j)
	if err != nil {
		return err
	}
	j.Version = 1
	_, err = r.exec(ctx, q, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		enc.caseIDs,
		j.Language,
		enc.flags,
		j.Priority,
		j.Status,
		enc.results,
		nullableTime(j.DispatchExpiresAt),
		unixNano(j.CreatedAt),
		unixNano(j.UpdatedAt),
		nullableTime(j.StartedAt),
		nullableTime(j.CompletedAt),
		j.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *SQLRepository) swapJob(ctx context.Context, q dbtx, j *models.Job) error {
	enc, err := encodeJob(j)
	if err != nil {
		return err
	}
	res, err := r.exec(ctx, q, `
		UPDATE jobs
		SET status = ?,
		    results = ?,
		    dispatch_expires_at = ?,
		    updated_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    version = version + 1
		WHERE id = ? AND version = ?`,
		j.Status,
		enc.results,
		nullableTime(j.DispatchExpiresAt),
		unixNano(j.UpdatedAt),
		nullableTime(j.StartedAt),
		nullableTime(j.CompletedAt),
		j.ID,
		j.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return swapped(res, "job "+j.ID)
}

// GetJob retrieves a job by ID
func (r *SQLRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(r.queryRow(ctx, r.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// SaveJob writes j if nobody changed it since it was read.
func (r *SQLRepository) SaveJob(ctx context.Context, j *models.Job) error {
	if err := r.swapJob(ctx, r.db, j); err != nil {
		return err
	}
	j.Version++
	return nil
}

// ListJobs returns one page of jobs, newest first.
func (r *SQLRepository) ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.After != nil {
		created := unixNano(f.After.Time)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, created, created, f.After.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := r.query(ctx, r.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// LeaseJobForDispatch leases one job to an OCR dispatcher: a pending job,
// or a running job whose previous dispatcher let its lease lapse. It
// returns nil when nothing is available.
func (r *SQLRepository) LeaseJobForDispatch(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	var leased *models.Job
	err := r.withTx(ctx, func(ctx context.Context, tx dbtx) error {
		j, err := scanJob(r.queryRow(ctx, tx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = ?
			   OR (status = ? AND dispatch_expires_at IS NOT NULL AND dispatch_expires_at < ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`+r.dialect.skipLocked,
			models.JobPending, models.JobRunning, unixNano(now)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to find dispatchable job: %w", err)
		}

		if err := j.LeaseDispatch(now.Add(lease), now); err != nil {
			return err
		}
		if err := r.swapJob(ctx, tx, j); err != nil {
			return err
		}
		leased = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if leased != nil {
		leased.Version++
	}
	return leased, nil
}

// Apply writes every part of m in one transaction.
func (r *SQLRepository) Apply(ctx context.Context, m Mutation) error {
	err := r.withTx(ctx, func(ctx context.Context, tx dbtx) error {
		if m.NewJob != nil {
			if err := r.insertJob(ctx, tx, m.NewJob); err != nil {
				return err
			}
		}
		for _, d := range m.NewDocuments {
			if err := r.insertDocument(ctx, tx, d); err != nil {
				return err
			}
		}
		for _, j := range m.Jobs {
			if err := r.swapJob(ctx, tx, j); err != nil {
				return err
			}
		}
		for _, c := range m.Cases {
			if err := r.swapCase(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, ch := range m.DocumentStatus {
			if err := r.setDocumentStatus(ctx, tx, ch, mutationTime(m)); err != nil {
				return err
			}
		}
		for _, e := range m.Events {
			if err := r.insertEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, j := range m.Jobs {
		j.Version++
	}
	for _, c := range m.Cases {
		c.Version++
	}
	return nil
}

// mutationTime picks the timestamp of the records in m so document updates
// share the clock of the transition that caused them.
func mutationTime(m Mutation) time.Time {
	if len(m.Cases) > 0 {
		return m.Cases[0].UpdatedAt
	}
	if len(m.Jobs) > 0 {
		return m.Jobs[0].UpdatedAt
	}
	if m.NewJob != nil {
		return m.NewJob.UpdatedAt
	}
	return time.Now().UTC()
}
