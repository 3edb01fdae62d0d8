// Package orchestrator runs schedules: it resolves the stores and vendors a
// schedule targets, builds the sync pairs and executes them, keeping the
// schedule statistics and the job record of the run up to date.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/batch"
	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/livinlefevreloca/stocksync/internal/job"
	"github.com/livinlefevreloca/stocksync/internal/pairs"
	"github.com/livinlefevreloca/stocksync/internal/priority"
	"github.com/livinlefevreloca/stocksync/internal/stats"
)

var (
	ErrNoTargets        = errors.New("no connected stores or vendors found")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Progress reported while a run is still preparing its pairs
const (
	progressTargetsResolved = 5
	progressPairsBuilt      = 10
)

// StoreResolver finds stores by id, or all matching stores when ids is empty
type StoreResolver interface {
	FindStores(ctx context.Context, ids []string, activeOnly, connectedOnly bool) ([]pairs.Store, error)
}

// VendorResolver finds vendors by id, or all matching vendors when ids is empty
type VendorResolver interface {
	FindVendors(ctx context.Context, ids []string, activeOnly, connectedOnly bool) ([]pairs.Vendor, error)
}

// ProgressSink hands out progress reporters bound to a job
type ProgressSink interface {
	Reporter(jobID string) batch.ProgressReporter
}

// SyncRequest describes one sync over a set of targets
type SyncRequest struct {
	SyncType          string        `json:"syncType"`
	StoreIDs          []string      `json:"storeIds,omitempty"`
	VendorIDs         []string      `json:"vendorIds,omitempty"`
	IncludeUnmapped   bool          `json:"includeUnmapped,omitempty"`
	ExecutionStrategy string        `json:"executionStrategy,omitempty"`
	Batch             batch.Options `json:"batch"`

	// JobType and Priority pick the recommended parallel concurrency when
	// Batch.Concurrency is unset
	JobType  string            `json:"-"`
	Priority priority.Priority `json:"-"`
}

// RequestFromOptions converts schedule options into a sync request
func RequestFromOptions(opts ScheduleOptions) SyncRequest {
	return SyncRequest{
		SyncType:          opts.SyncType,
		StoreIDs:          opts.StoreIDs,
		VendorIDs:         opts.VendorIDs,
		IncludeUnmapped:   opts.IncludeUnmapped,
		ExecutionStrategy: opts.ExecutionStrategy,
		Batch: batch.Options{
			Strategy:    opts.Strategy,
			Concurrency: opts.Concurrency,
			SyncOptions: opts.SyncOptions,
		},
	}
}

// RunResult is the outcome of one scheduled run
type RunResult struct {
	ScheduleID string        `json:"scheduleId"`
	Skipped    bool          `json:"skipped"`
	Reason     string        `json:"reason,omitempty"`
	JobID      string        `json:"jobId,omitempty"`
	Result     *batch.Result `json:"result,omitempty"`
}

// Deps are the collaborators of an Orchestrator. Progress, Recorder and Now
// are optional. MaxConcurrency caps the recommended parallel concurrency,
// 0 leaves it uncapped.
type Deps struct {
	Schedules ScheduleStore
	Stores    StoreResolver
	Vendors   VendorResolver
	Mappings  pairs.MappingCounter
	Engine    *batch.Engine
	Jobs      job.Store
	Progress  ProgressSink
	Recorder  stats.Recorder
	Queue     string
	Now       func() time.Time

	MaxConcurrency int
}

// Orchestrator executes schedules and ad-hoc sync requests
type Orchestrator struct {
	schedules ScheduleStore
	stores    StoreResolver
	vendors   VendorResolver
	mappings  pairs.MappingCounter
	engine    *batch.Engine
	jobs      job.Store
	progress  ProgressSink
	recorder  stats.Recorder
	queue     string
	now       func() time.Time
	logger    *slog.Logger

	maxConcurrency int
}

// New creates an orchestrator
func New(deps Deps, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		schedules: deps.Schedules,
		stores:    deps.Stores,
		vendors:   deps.Vendors,
		mappings:  deps.Mappings,
		engine:    deps.Engine,
		jobs:      deps.Jobs,
		progress:  deps.Progress,
		recorder:  deps.Recorder,
		queue:     deps.Queue,
		now:       deps.Now,
		logger:    logger,

		maxConcurrency: deps.MaxConcurrency,
	}
	if o.recorder == nil {
		o.recorder = stats.NoopRecorder{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.queue == "" {
		o.queue = "scheduled-sync"
	}
	return o
}

// RunByID loads a schedule and runs it
func (o *Orchestrator) RunByID(ctx context.Context, id string) (*RunResult, error) {
	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, s)
}

// RunIfDue loads a schedule and runs it only when ShouldScheduleRun allows a
// run now. A gated schedule is reported as skipped and keeps its statistics.
func (o *Orchestrator) RunIfDue(ctx context.Context, id string) (*RunResult, error) {
	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if ok, reason := ShouldScheduleRun(s, o.now()); !ok {
		o.recorder.RecordScheduleRun(stats.OutcomeSkipped)
		o.logger.Info("schedule not due", "schedule_id", s.ID, "reason", reason)
		return &RunResult{ScheduleID: s.ID, Skipped: true, Reason: reason}, nil
	}
	return o.Run(ctx, s)
}

func (o *Orchestrator) load(ctx context.Context, id string) (*Schedule, error) {
	s, err := o.schedules.LoadSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, failure.Validation(err)
		}
		return nil, fmt.Errorf("load schedule %s: %w", id, err)
	}
	return s, nil
}

// Run executes a schedule. An inactive schedule is skipped without touching
// its statistics. Fatal failures update the schedule and fail the job record
// before the error is returned.
func (o *Orchestrator) Run(ctx context.Context, s *Schedule) (*RunResult, error) {
	if !s.IsActive {
		o.recorder.RecordScheduleRun(stats.OutcomeSkipped)
		o.logger.Info("skipping inactive schedule", "schedule_id", s.ID)
		return &RunResult{ScheduleID: s.ID, Skipped: true, Reason: "Schedule inactive"}, nil
	}

	now := o.now()
	s.LastRun = &now
	s.RunCount++
	o.saveSchedule(ctx, s)

	rec := o.newRunRecord(s, now)
	o.logger.Info("running schedule",
		"schedule_id", s.ID,
		"job_id", rec.ID,
		"run_count", s.RunCount,
		"execution_strategy", s.Options.ExecutionStrategy)

	req := RequestFromOptions(s.Options)
	req.JobType = priority.JobTypeScheduled
	req.Priority = priority.FromLevel(rec.PriorityLevel)

	// Classify again once "all active stores" has become a real count
	resolved := func(ctx context.Context, stores, vendors int, req *SyncRequest) {
		req.Priority = o.reprioritize(ctx, s, rec, stores, vendors)
	}

	result, err := o.sync(ctx, req, o.reporter(rec.ID), resolved)
	if err != nil {
		o.runFailed(ctx, s, rec, err)
		return nil, err
	}

	o.runSucceeded(ctx, s, rec, result)
	return &RunResult{ScheduleID: s.ID, JobID: rec.ID, Result: result}, nil
}

// Sync resolves the targets of req, builds the pairs and executes them.
// Pair failures are part of the result; the error return is reserved for
// fatal failures that happen before any pair runs.
func (o *Orchestrator) Sync(ctx context.Context, req SyncRequest, progress batch.ProgressReporter) (*batch.Result, error) {
	return o.sync(ctx, req, progress, nil)
}

// targetsResolved is called with the resolved target counts before pairs are
// built and may adjust the request
type targetsResolved func(ctx context.Context, stores, vendors int, req *SyncRequest)

func (o *Orchestrator) sync(ctx context.Context, req SyncRequest, progress batch.ProgressReporter, resolved targetsResolved) (*batch.Result, error) {
	if progress == nil {
		progress = batch.NoProgress{}
	}

	stores, vendors, err := o.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		resolved(ctx, len(stores), len(vendors), &req)
	}
	progress.Report(ctx, progressTargetsResolved)

	ps, err := pairs.Generate(ctx, stores, vendors, req.IncludeUnmapped, o.mappings)
	if err != nil {
		return nil, err
	}
	progress.Report(ctx, progressPairsBuilt)

	o.logger.Debug("sync pairs built",
		"stores", len(stores),
		"vendors", len(vendors),
		"pairs", len(ps))

	if req.ExecutionStrategy == ExecutionIndividual {
		return o.runIndividual(ctx, ps, req, progress)
	}

	result, err := o.engine.Run(ctx, ps, req.SyncType, o.batchOptions(req), progress)
	if result != nil {
		result.ExecutionStrategy = ExecutionBatch
	}
	return result, err
}

// batchOptions fills in an unset concurrency from the request's job type and
// class, capped by maxConcurrency. An unclassified request keeps the engine
// default.
func (o *Orchestrator) batchOptions(req SyncRequest) batch.Options {
	opts := req.Batch
	if opts.Concurrency > 0 || req.Priority == "" {
		return opts
	}

	opts.Concurrency = priority.RecommendedConcurrency(req.JobType, req.Priority)
	if o.maxConcurrency > 0 && opts.Concurrency > o.maxConcurrency {
		opts.Concurrency = o.maxConcurrency
	}
	return opts
}

// resolveTargets uses explicit ids as given, otherwise every active and
// connected store or vendor
func (o *Orchestrator) resolveTargets(ctx context.Context, req SyncRequest) ([]pairs.Store, []pairs.Vendor, error) {
	explicitStores := len(req.StoreIDs) > 0
	stores, err := o.stores.FindStores(ctx, req.StoreIDs, !explicitStores, !explicitStores)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve stores: %w", err)
	}

	explicitVendors := len(req.VendorIDs) > 0
	vendors, err := o.vendors.FindVendors(ctx, req.VendorIDs, !explicitVendors, !explicitVendors)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve vendors: %w", err)
	}

	if len(stores) == 0 || len(vendors) == 0 {
		return nil, nil, failure.Validation(fmt.Errorf("%w (stores=%d vendors=%d)", ErrNoTargets, len(stores), len(vendors)))
	}
	return stores, vendors, nil
}

// runIndividual executes each pair on its own, spreading progress evenly
// over the pairs the same way the sequential strategy does
func (o *Orchestrator) runIndividual(ctx context.Context, ps []pairs.SyncPair, req SyncRequest, progress batch.ProgressReporter) (*batch.Result, error) {
	start := o.now()
	n := len(ps)
	result := batch.NewResult(batch.Individual, n)
	result.ExecutionStrategy = ExecutionIndividual
	mono := batch.Monotonic(progress)

	for i, pair := range ps {
		if err := ctx.Err(); err != nil {
			result.Finish(o.now().Sub(start))
			return result, err
		}

		mono.Report(ctx, batch.SequentialProgress(i, n, 0))
		intra := batch.ProgressFunc(func(ctx context.Context, p int) {
			mono.Report(ctx, batch.SequentialProgress(i, n, p))
		})

		res, perr := o.engine.ExecutePair(ctx, pair, req.SyncType, req.Batch.SyncOptions, batch.Individual, intra)
		result.Add(res, perr)
	}

	progress.Report(ctx, batch.ProgressDone)
	result.Finish(o.now().Sub(start))

	o.logger.Info("individual run finished",
		"total_pairs", result.TotalPairs,
		"successful_pairs", result.SuccessfulPairs,
		"failed_pairs", result.FailedPairs,
		"duration", result.Duration)

	return result, nil
}

func (o *Orchestrator) reporter(jobID string) batch.ProgressReporter {
	if o.progress == nil {
		return batch.NoProgress{}
	}
	return o.progress.Reporter(jobID)
}

func scheduledPriority(s *Schedule, stores, vendors int) priority.Decision {
	return priority.DeterminePriority(priority.Context{
		SyncType:    s.Options.SyncType,
		TriggeredBy: priority.TriggerSchedule,
		StoreCount:  stores,
		VendorCount: vendors,
		IsScheduled: true,
	})
}

// newRunRecord creates and starts the job record that tracks a scheduled run.
// Until the targets are resolved only the explicit ids are counted.
func (o *Orchestrator) newRunRecord(s *Schedule, now time.Time) *job.Record {
	decision := scheduledPriority(s, len(s.Options.StoreIDs), len(s.Options.VendorIDs))

	rec := job.NewRecord(o.queue, job.TypeScheduled, decision.Level,
		decision.QueueOptions.Attempts, decision.QueueOptions.Backoff.Delay, now)
	rec.Payload, _ = json.Marshal(map[string]string{"scheduleId": s.ID})
	_ = rec.Start(now)

	o.recorder.RecordJobTransition(string(rec.Type), rec.Status.String())
	o.saveJob(context.Background(), rec)
	return rec
}

// reprioritize reclassifies a run with its resolved target counts and saves
// the job record when the class changed
func (o *Orchestrator) reprioritize(ctx context.Context, s *Schedule, rec *job.Record, stores, vendors int) priority.Priority {
	decision := scheduledPriority(s, stores, vendors)
	if decision.Level == rec.PriorityLevel {
		return decision.Priority
	}

	o.logger.Debug("run reprioritized",
		"job_id", rec.ID,
		"priority", decision.Priority,
		"reason", decision.Reason,
		"stores", stores,
		"vendors", vendors)

	rec.PriorityLevel = decision.Level
	rec.MaxAttempts = decision.QueueOptions.Attempts
	rec.RetryDelay = decision.QueueOptions.Backoff.Delay
	rec.UpdatedAt = o.now()
	o.saveJob(ctx, rec)
	return decision.Priority
}

func (o *Orchestrator) runSucceeded(ctx context.Context, s *Schedule, rec *job.Record, result *batch.Result) {
	now := o.now()
	s.LastSuccessfulRun = &now
	s.SuccessCount++
	s.ConsecutiveFailures = 0
	o.saveSchedule(ctx, s)

	total := result.TotalPairs
	_ = rec.UpdateProgress(result.SuccessfulPairs, result.FailedPairs, &total, now)
	_ = rec.SetPercentage(batch.ProgressDone, now)

	payload, err := json.Marshal(result)
	if err != nil {
		o.logger.Error("failed to encode run result", "job_id", rec.ID, "error", err)
	}
	_ = rec.Complete(true, payload, now)
	o.recorder.RecordJobTransition(string(rec.Type), rec.Status.String())
	o.saveJob(ctx, rec)

	o.recorder.RecordScheduleRun(stats.OutcomeSuccess)
	o.logger.Info("schedule run succeeded",
		"schedule_id", s.ID,
		"job_id", rec.ID,
		"successful_pairs", result.SuccessfulPairs,
		"failed_pairs", result.FailedPairs)
}

func (o *Orchestrator) runFailed(ctx context.Context, s *Schedule, rec *job.Record, runErr error) {
	now := o.now()
	s.FailureCount++
	s.ConsecutiveFailures++
	s.LastError = runErr.Error()
	s.LastErrorAt = &now
	o.saveSchedule(ctx, s)

	// Scheduled runs are never retried by the queue
	_, _ = rec.Fail(runErr, false, now)
	o.recorder.RecordJobTransition(string(rec.Type), rec.Status.String())
	o.saveJob(ctx, rec)

	o.recorder.RecordScheduleRun(stats.OutcomeFailure)
	o.logger.Error("schedule run failed",
		"schedule_id", s.ID,
		"job_id", rec.ID,
		"consecutive_failures", s.ConsecutiveFailures,
		"validation", failure.IsValidation(runErr),
		"error", runErr)
}

// saveSchedule and saveJob are best effort: a failed write is logged and the
// run carries on with the in-memory state
func (o *Orchestrator) saveSchedule(ctx context.Context, s *Schedule) {
	s.UpdatedAt = o.now()
	if err := o.schedules.SaveSchedule(context.WithoutCancel(ctx), s); err != nil {
		o.logger.Warn("failed to persist schedule",
			"error", failure.Persistence("schedule", s.ID, err))
	}
}

func (o *Orchestrator) saveJob(ctx context.Context, rec *job.Record) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.SaveJob(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to persist job record",
			"error", failure.Persistence("job", rec.ID, err))
	}
}
