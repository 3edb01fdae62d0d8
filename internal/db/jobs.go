package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/job"
	"github.com/livinlefevreloca/stocksync/internal/syncer"
)

// =============================================================================
// Job Record Operations
// =============================================================================

const jobColumns = `
	id, queue, type, priority_level, status,
	progress_total, progress_completed, progress_failed, progress_percentage,
	attempts, max_attempts, retry_delay_ms, scheduled_for,
	errors, result, payload,
	created_at, started_at, completed_at, updated_at
`

// SaveJob inserts or replaces a job record
func (db *DB) SaveJob(ctx context.Context, rec *job.Record) error {
	errs, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("encode job %s errors: %w", rec.ID, err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			priority_level = excluded.priority_level,
			status = excluded.status,
			progress_total = excluded.progress_total,
			progress_completed = excluded.progress_completed,
			progress_failed = excluded.progress_failed,
			progress_percentage = excluded.progress_percentage,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			retry_delay_ms = excluded.retry_delay_ms,
			scheduled_for = excluded.scheduled_for,
			errors = excluded.errors,
			result = excluded.result,
			payload = excluded.payload,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = db.ExecContext(ctx, query,
		rec.ID,
		rec.Queue,
		string(rec.Type),
		rec.PriorityLevel,
		rec.Status.String(),
		rec.Progress.Total,
		rec.Progress.Completed,
		rec.Progress.Failed,
		rec.Progress.Percentage,
		rec.Attempts,
		rec.MaxAttempts,
		rec.RetryDelay.Milliseconds(),
		nullTime(rec.ScheduledFor),
		string(errs),
		nullBytes(rec.Result),
		nullBytes(rec.Payload),
		rec.CreatedAt,
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

// LoadJob retrieves a job record by ID
func (db *DB) LoadJob(ctx context.Context, id string) (*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	rec, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return rec, nil
}

// FindUnfinished returns non-terminal jobs of the given type on a queue,
// oldest first
func (db *DB) FindUnfinished(ctx context.Context, queue string, jobType job.Type) ([]*job.Record, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE queue = ? AND type = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at, id
	`

	rows, err := db.QueryContext(ctx, query, queue, string(jobType),
		job.StatusCompleted.String(), job.StatusFailed.String(), job.StatusCancelled.String())
	if err != nil {
		return nil, fmt.Errorf("query unfinished jobs: %w", err)
	}
	defer rows.Close()

	var result []*job.Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// WriteProgress stores the latest percentage of running jobs. Terminal
// records keep their final progress.
func (db *DB) WriteProgress(ctx context.Context, updates []job.ProgressUpdate) error {
	query := `
		UPDATE jobs SET progress_percentage = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`

	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, u := range updates {
			_, err := stmt.ExecContext(ctx, u.Percentage, u.At, u.JobID,
				job.StatusCompleted.String(), job.StatusFailed.String(), job.StatusCancelled.String())
			if err != nil {
				return fmt.Errorf("write progress of job %s: %w", u.JobID, err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Record, error) {
	var (
		rec                              job.Record
		jobType, status, errs            string
		retryDelayMs                     int64
		scheduledFor, started, completed sql.NullTime
		result, payload                  sql.NullString
	)

	err := row.Scan(
		&rec.ID,
		&rec.Queue,
		&jobType,
		&rec.PriorityLevel,
		&status,
		&rec.Progress.Total,
		&rec.Progress.Completed,
		&rec.Progress.Failed,
		&rec.Progress.Percentage,
		&rec.Attempts,
		&rec.MaxAttempts,
		&retryDelayMs,
		&scheduledFor,
		&errs,
		&result,
		&payload,
		&rec.CreatedAt,
		&started,
		&completed,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = job.Type(jobType)
	if rec.Status, err = job.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errs), &rec.Errors); err != nil {
		return nil, fmt.Errorf("decode job %s errors: %w", rec.ID, err)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}

	rec.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	rec.ScheduledFor = timePtr(scheduledFor)
	rec.StartedAt = timePtr(started)
	rec.CompletedAt = timePtr(completed)
	return &rec, nil
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

var (
	_ job.Store             = (*DB)(nil)
	_ syncer.ProgressWriter = (*DB)(nil)
)
