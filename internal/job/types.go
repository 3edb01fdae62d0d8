package job

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job record
type Status int

const (
	StatusQueued    Status = iota // Enqueued, waiting for a worker
	StatusActive                  // Picked up and running
	StatusDelayed                 // Failed, waiting for its retry time

	// Terminal states
	StatusCompleted // Finished successfully
	StatusFailed    // Finished unsuccessfully, no retries left
	StatusCancelled // Cancelled externally
)

// String returns the persisted name of the status
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusActive:
		return "active"
	case StatusDelayed:
		return "delayed"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed from s
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a persisted status name back into a Status
func ParseStatus(name string) (Status, error) {
	for s := StatusQueued; s <= StatusCancelled; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", name)
}

// Type is the kind of work that created the job
type Type string

const (
	TypeManual    Type = "manual"
	TypeScheduled Type = "scheduled"
	TypeBatch     Type = "batch"
	TypeRetry     Type = "retry"
	TypeWebhook   Type = "webhook"
)

// Valid reports whether t is a known job type
func (t Type) Valid() bool {
	switch t {
	case TypeManual, TypeScheduled, TypeBatch, TypeRetry, TypeWebhook:
		return true
	}
	return false
}

// Progress counts processed units of a job
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

// AttemptError is one entry in a record's error history
type AttemptError struct {
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists job records
type Store interface {
	LoadJob(ctx context.Context, id string) (*Record, error)
	SaveJob(ctx context.Context, rec *Record) error
	// FindUnfinished returns non-terminal jobs of the given type on a queue
	FindUnfinished(ctx context.Context, queue string, jobType Type) ([]*Record, error)
}

// ProgressUpdate is a fire-and-forget percentage write for a running job
type ProgressUpdate struct {
	JobID      string
	Percentage int
	At         time.Time
}
