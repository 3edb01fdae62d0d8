package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/livinlefevreloca/stocksync/internal/batch"
)

// Execution strategies of a scheduled run
const (
	ExecutionIndividual = "individual"
	ExecutionBatch      = "batch"
)

// TimeWindow bounds the wall-clock time a schedule may run in, as HHMM
// (e.g. 930 for 09:30). A nil bound is open.
type TimeWindow struct {
	Start *int `json:"start,omitempty"`
	End   *int `json:"end,omitempty"`
}

// ScheduleOptions configure what a scheduled run syncs and how
type ScheduleOptions struct {
	SyncType          string         `mapstructure:"syncType" json:"syncType"`
	ExecutionStrategy string         `mapstructure:"executionStrategy" json:"executionStrategy,omitempty"`
	Strategy          batch.Strategy `mapstructure:"strategy" json:"strategy,omitempty"`
	Concurrency       int            `mapstructure:"concurrency" json:"concurrency,omitempty"`
	IncludeUnmapped   bool           `mapstructure:"includeUnmapped" json:"includeUnmapped,omitempty"`
	StoreIDs          []string       `mapstructure:"storeIds" json:"storeIds,omitempty"`
	VendorIDs         []string       `mapstructure:"vendorIds" json:"vendorIds,omitempty"`
	SyncOptions       map[string]any `mapstructure:"syncOptions" json:"syncOptions,omitempty"`
}

// DecodeOptions reads ScheduleOptions from their stored, loosely typed form.
// Scalars are coerced, so {"concurrency": "4", "storeIds": "s1"} is accepted.
func DecodeOptions(raw map[string]any) (ScheduleOptions, error) {
	var opts ScheduleOptions

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := decoder.Decode(raw); err != nil {
		return opts, fmt.Errorf("decode schedule options: %w", err)
	}

	if opts.SyncType == "" {
		opts.SyncType = "inventory"
	}
	if opts.ExecutionStrategy == "" {
		opts.ExecutionStrategy = ExecutionBatch
	}
	switch opts.ExecutionStrategy {
	case ExecutionBatch, ExecutionIndividual:
	default:
		return opts, fmt.Errorf("unknown execution strategy %q", opts.ExecutionStrategy)
	}

	return opts, nil
}

// Schedule is a recurring sync trigger with its gating rules and run statistics
type Schedule struct {
	ID                     string
	Name                   string
	IsActive               bool
	Options                ScheduleOptions
	TimeWindow             TimeWindow
	MaxConsecutiveFailures *int

	LastRun             *time.Time
	LastSuccessfulRun   *time.Time
	LastError           string
	LastErrorAt         *time.Time
	RunCount            int
	SuccessCount        int
	FailureCount        int
	ConsecutiveFailures int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleStore persists schedules
type ScheduleStore interface {
	LoadSchedule(ctx context.Context, id string) (*Schedule, error)
	SaveSchedule(ctx context.Context, s *Schedule) error
}

// ClockValue returns t as hours*100+minutes
func ClockValue(t time.Time) int {
	return t.Hour()*100 + t.Minute()
}

// ShouldScheduleRun is the gate a trigger source evaluates before calling
// Run. It reports whether the schedule may run now and, if not, why.
func ShouldScheduleRun(s *Schedule, now time.Time) (bool, string) {
	if !s.IsActive {
		return false, "Schedule inactive"
	}

	clock := ClockValue(now)
	if s.TimeWindow.Start != nil && clock < *s.TimeWindow.Start {
		return false, "Before time window"
	}
	if s.TimeWindow.End != nil && clock > *s.TimeWindow.End {
		return false, "After time window"
	}

	if s.MaxConsecutiveFailures != nil && s.ConsecutiveFailures >= *s.MaxConsecutiveFailures {
		return false, "Too many consecutive failures"
	}

	return true, ""
}
