package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/orchestrator"
)

// =============================================================================
// Schedule Operations
// =============================================================================

// LoadSchedule retrieves a schedule by ID. Options are stored as loosely typed
// JSON and decoded with orchestrator.DecodeOptions.
func (db *DB) LoadSchedule(ctx context.Context, id string) (*orchestrator.Schedule, error) {
	query := `
		SELECT id, name, is_active, options, window_start, window_end, max_consecutive_failures,
		       last_run, last_successful_run, last_error, last_error_at,
		       run_count, success_count, failure_count, consecutive_failures,
		       created_at, updated_at
		FROM schedules
		WHERE id = ?
	`

	var (
		s                             orchestrator.Schedule
		rawOptions                    string
		windowStart, windowEnd, maxCF sql.NullInt64
		lastRun, lastSuccess, lastErr sql.NullTime
	)
	err := db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.Name,
		&s.IsActive,
		&rawOptions,
		&windowStart,
		&windowEnd,
		&maxCF,
		&lastRun,
		&lastSuccess,
		&s.LastError,
		&lastErr,
		&s.RunCount,
		&s.SuccessCount,
		&s.FailureCount,
		&s.ConsecutiveFailures,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w: %w", id, orchestrator.ErrScheduleNotFound, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule %s: %w", id, err)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(rawOptions), &raw); err != nil {
		return nil, fmt.Errorf("schedule %s options: %w", id, err)
	}
	if s.Options, err = orchestrator.DecodeOptions(raw); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}

	s.TimeWindow = orchestrator.TimeWindow{Start: intPtr(windowStart), End: intPtr(windowEnd)}
	s.MaxConsecutiveFailures = intPtr(maxCF)
	s.LastRun = timePtr(lastRun)
	s.LastSuccessfulRun = timePtr(lastSuccess)
	s.LastErrorAt = timePtr(lastErr)
	return &s, nil
}

// SaveSchedule inserts or replaces a schedule
func (db *DB) SaveSchedule(ctx context.Context, s *orchestrator.Schedule) error {
	options, err := json.Marshal(s.Options)
	if err != nil {
		return fmt.Errorf("encode schedule %s options: %w", s.ID, err)
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := `
		INSERT INTO schedules (
			id, name, is_active, options, window_start, window_end, max_consecutive_failures,
			last_run, last_successful_run, last_error, last_error_at,
			run_count, success_count, failure_count, consecutive_failures,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			options = excluded.options,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			max_consecutive_failures = excluded.max_consecutive_failures,
			last_run = excluded.last_run,
			last_successful_run = excluded.last_successful_run,
			last_error = excluded.last_error,
			last_error_at = excluded.last_error_at,
			run_count = excluded.run_count,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			consecutive_failures = excluded.consecutive_failures,
			updated_at = excluded.updated_at
	`

	_, err = db.ExecContext(ctx, query,
		s.ID,
		s.Name,
		s.IsActive,
		string(options),
		nullInt(s.TimeWindow.Start),
		nullInt(s.TimeWindow.End),
		nullInt(s.MaxConsecutiveFailures),
		nullTime(s.LastRun),
		nullTime(s.LastSuccessfulRun),
		s.LastError,
		nullTime(s.LastErrorAt),
		s.RunCount,
		s.SuccessCount,
		s.FailureCount,
		s.ConsecutiveFailures,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", s.ID, err)
	}
	return nil
}

var (
	_ orchestrator.ScheduleStore  = (*DB)(nil)
	_ orchestrator.StoreResolver  = (*DB)(nil)
	_ orchestrator.VendorResolver = (*DB)(nil)
)
