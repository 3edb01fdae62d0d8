// Package job holds the persisted state machine for a single unit of sync work.
//
// Transitions:
//
//	queued  -> active
//	active  -> completed | failed | delayed
//	delayed -> active
//	any non-terminal -> cancelled
//
// Once a record reaches completed, failed or cancelled it is never mutated again.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTerminal is returned when mutating a completed, failed or cancelled record
	ErrTerminal = errors.New("job: record is terminal")
	// ErrInvalidTransition is returned when a transition is not allowed from the current status
	ErrInvalidTransition = errors.New("job: invalid transition")
)

// Record is a single unit of work and its lifecycle
type Record struct {
	ID            string
	Queue         string
	Type          Type
	PriorityLevel int
	Status        Status
	Progress      Progress
	Attempts      int
	MaxAttempts   int
	RetryDelay    time.Duration
	ScheduledFor  *time.Time
	Errors        []AttemptError
	Result        json.RawMessage
	Payload       json.RawMessage

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// NewRecord creates a queued record with a fresh identifier
func NewRecord(queue string, jobType Type, priorityLevel, maxAttempts int, retryDelay time.Duration, now time.Time) *Record {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Record{
		ID:            uuid.NewString(),
		Queue:         queue,
		Type:          jobType,
		PriorityLevel: clampLevel(priorityLevel),
		Status:        StatusQueued,
		MaxAttempts:   maxAttempts,
		RetryDelay:    retryDelay,
		Errors:        make([]AttemptError, 0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func clampLevel(level int) int {
	if level > 10 {
		return 10
	}
	if level < -10 {
		return -10
	}
	return level
}

// Start moves a queued or delayed record to active and counts the attempt
func (r *Record) Start(now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	if r.Status != StatusQueued && r.Status != StatusDelayed {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, r.Status)
	}

	r.Status = StatusActive
	r.StartedAt = &now
	r.ScheduledFor = nil
	r.Attempts++
	r.UpdatedAt = now
	return nil
}

// Complete finishes the record, status completed on success and failed otherwise
func (r *Record) Complete(success bool, result json.RawMessage, now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}

	if success {
		r.Status = StatusCompleted
	} else {
		r.Status = StatusFailed
	}
	r.Result = result
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// Fail records err against the current attempt. If canRetry and attempts remain,
// the record is delayed until now+RetryDelay, otherwise it fails terminally.
// The returned bool reports whether a retry was scheduled.
func (r *Record) Fail(err error, canRetry bool, now time.Time) (bool, error) {
	if r.Status.Terminal() {
		return false, ErrTerminal
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.Errors = append(r.Errors, AttemptError{
		Attempt:   r.Attempts,
		Message:   msg,
		Timestamp: now,
	})
	r.UpdatedAt = now

	if canRetry && r.Attempts < r.MaxAttempts {
		next := now.Add(r.RetryDelay)
		r.Status = StatusDelayed
		r.ScheduledFor = &next
		return true, nil
	}

	r.Status = StatusFailed
	r.CompletedAt = &now
	return false, nil
}

// Cancel moves any non-terminal record to cancelled
func (r *Record) Cancel(now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}

	r.Status = StatusCancelled
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// UpdateProgress sets the processed counts. A positive total overwrites the
// stored total. Callers must not report completed+failed above total.
func (r *Record) UpdateProgress(completed, failed int, total *int, now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}

	r.Progress.Completed = completed
	r.Progress.Failed = failed
	if total != nil {
		r.Progress.Total = *total
	}
	r.Progress.Percentage = Percentage(r.Progress)
	r.UpdatedAt = now
	return nil
}

// SetPercentage records an overall percentage reported by the engine without
// touching the unit counts
func (r *Record) SetPercentage(percent int, now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	r.Progress.Percentage = percent
	r.UpdatedAt = now
	return nil
}

// Percentage computes round(100*(completed+failed)/total), or 0 without a total
func Percentage(p Progress) int {
	if p.Total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(p.Completed+p.Failed) / float64(p.Total)))
}

// LastError returns the most recent error message, or "" if none
func (r *Record) LastError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1].Message
}
