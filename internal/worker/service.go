// Package worker turns queued job records into handler calls. Jobs are
// pushed with the priority, retry and retention options of their class,
// popped when ready, throttled under load and retried with the class
// backoff until their attempts run out.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/batch"
	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/livinlefevreloca/stocksync/internal/job"
	"github.com/livinlefevreloca/stocksync/internal/priority"
	"github.com/livinlefevreloca/stocksync/internal/queue"
	"github.com/livinlefevreloca/stocksync/internal/stats"
)

var (
	// ErrJobAlreadyActive is returned when a manual job is enqueued while
	// another unfinished manual job exists on the same queue
	ErrJobAlreadyActive = errors.New("worker: a manual job is already active on this queue")
	// ErrAlreadyInitialized is returned when registering handlers after Init
	ErrAlreadyInitialized = errors.New("worker: service already initialized")
	// ErrNotInitialized is returned by Enqueue and Run before Init
	ErrNotInitialized = errors.New("worker: service not initialized")
	// ErrNoHandler is returned for job types without a registered handler
	ErrNoHandler = errors.New("worker: no handler registered for job type")
)

// errInterrupted is recorded against jobs found active at startup
var errInterrupted = errors.New("worker stopped while the job was active")

// Failures in the last hour at which system health degrades
const (
	fairFailureCount = 5
	poorFailureCount = 20
	healthWindow     = time.Hour
)

// Handler runs one job. The returned result is stored on the completed record.
type Handler func(ctx context.Context, rec *job.Record, progress batch.ProgressReporter) (json.RawMessage, error)

// ProgressSink hands out progress reporters bound to a job
type ProgressSink interface {
	Reporter(jobID string) batch.ProgressReporter
}

// EnqueueRequest describes a job to submit
type EnqueueRequest struct {
	Type     job.Type
	Payload  any
	Priority priority.Context
}

// Stats is a snapshot of the service load
type Stats struct {
	Active         int
	FailedLastHour int
	Health         string
}

// Service dispatches queued jobs to registered handlers
type Service struct {
	config   Config
	queue    queue.Queue
	jobs     job.Store
	progress ProgressSink
	recorder stats.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	handlers    map[job.Type]Handler
	initialized bool
	failures    []time.Time

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewService creates a worker service. progress and recorder may be nil.
func NewService(config Config, q queue.Queue, jobs job.Store, progress ProgressSink, recorder stats.Recorder, logger *slog.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = stats.NoopRecorder{}
	}

	return &Service{
		config:   config,
		queue:    q,
		jobs:     jobs,
		progress: progress,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[job.Type]Handler),
	}, nil
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Register binds a handler to a job type. Handlers can only be registered
// before Init.
func (s *Service) Register(jobType job.Type, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if !jobType.Valid() {
		return fmt.Errorf("register handler: unknown job type %q", jobType)
	}
	s.handlers[jobType] = h
	return nil
}

// Init makes the service ready to accept jobs. Unfinished jobs of every
// registered type are pushed back to the queue; jobs left active by a
// previous process count as a failed attempt. Calling Init again is a no-op.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	requeued := 0
	for jobType := range s.handlers {
		recs, err := s.jobs.FindUnfinished(ctx, s.config.Queue, jobType)
		if err != nil {
			return fmt.Errorf("find unfinished %s jobs: %w", jobType, err)
		}
		for _, rec := range recs {
			if err := s.requeueUnfinished(ctx, rec); err != nil {
				return err
			}
			requeued++
		}
	}

	s.initialized = true
	s.logger.Info("worker initialized",
		"queue", s.config.Queue,
		"handlers", len(s.handlers),
		"requeued", requeued)
	return nil
}

// requeueUnfinished pushes an unfinished record back to the queue
func (s *Service) requeueUnfinished(ctx context.Context, rec *job.Record) error {
	now := s.now()

	if rec.Status == job.StatusActive {
		opts := s.optionsFor(rec)
		rec.RetryDelay = opts.Backoff.For(rec.Attempts)
		retried, err := rec.Fail(errInterrupted, true, now)
		if err != nil {
			return fmt.Errorf("recover job %s: %w", rec.ID, err)
		}
		if err := s.jobs.SaveJob(ctx, rec); err != nil {
			return failure.Persistence("job", rec.ID, err)
		}
		if !retried {
			s.logger.Warn("interrupted job has no attempts left",
				"job_id", rec.ID,
				"attempts", rec.Attempts)
			return nil
		}
	}

	readyAt := now
	if rec.ScheduledFor != nil {
		readyAt = *rec.ScheduledFor
	}
	if err := s.queue.Push(ctx, queue.Item{JobID: rec.ID, Priority: rec.PriorityLevel, ReadyAt: readyAt}); err != nil {
		return fmt.Errorf("requeue job %s: %w", rec.ID, err)
	}
	return nil
}

// Enqueue creates a job record for req and pushes it to the queue after the
// initial delay of its class
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*job.Record, error) {
	s.mu.Lock()
	initialized := s.initialized
	_, ok := s.handlers[req.Type]
	s.mu.Unlock()

	if !initialized {
		return nil, ErrNotInitialized
	}
	if !ok {
		return nil, failure.Validation(fmt.Errorf("%w: %s", ErrNoHandler, req.Type))
	}

	if req.Type == job.TypeManual {
		unfinished, err := s.jobs.FindUnfinished(ctx, s.config.Queue, job.TypeManual)
		if err != nil {
			return nil, fmt.Errorf("check active manual jobs: %w", err)
		}
		if len(unfinished) > 0 {
			return nil, failure.Validation(fmt.Errorf("%w (job %s)", ErrJobAlreadyActive, unfinished[0].ID))
		}
	}

	decision := priority.DeterminePriority(req.Priority)
	opts := decision.QueueOptions
	now := s.now()

	rec := job.NewRecord(s.config.Queue, req.Type, decision.Level, opts.Attempts, opts.Backoff.Delay, now)
	if req.Payload != nil {
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, failure.Validation(fmt.Errorf("encode payload: %w", err))
		}
		rec.Payload = payload
	}

	readyAt := now.Add(opts.Delay)
	if opts.Delay > 0 {
		rec.ScheduledFor = &readyAt
	}

	if err := s.jobs.SaveJob(ctx, rec); err != nil {
		return nil, failure.Persistence("job", rec.ID, err)
	}
	if err := s.queue.Push(ctx, queue.Item{JobID: rec.ID, Priority: rec.PriorityLevel, ReadyAt: readyAt}); err != nil {
		return nil, fmt.Errorf("push job %s: %w", rec.ID, err)
	}

	s.recorder.RecordJobTransition(string(rec.Type), job.StatusQueued.String())
	s.logger.Info("job enqueued",
		"job_id", rec.ID,
		"type", rec.Type,
		"priority", decision.Priority,
		"reason", decision.Reason,
		"attempts", opts.Attempts,
		"delay", opts.Delay)
	return rec, nil
}

// Run polls the queue until ctx is cancelled, then waits for running jobs
// to finish. Running jobs are not interrupted by the cancellation.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}

	s.logger.Info("worker started",
		"queue", s.config.Queue,
		"workers", s.config.Workers,
		"poll_interval", s.config.PollInterval)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("worker stopping, waiting for running jobs", "active", s.active.Load())
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll dispatches as many ready jobs as there are free worker slots and
// returns how many were started
func (s *Service) Poll(ctx context.Context) int {
	free := s.config.Workers - int(s.active.Load())
	if free <= 0 || ctx.Err() != nil {
		return 0
	}

	items, err := s.queue.PopReady(ctx, s.now(), free)
	if err != nil {
		s.logger.Warn("failed to pop ready jobs", "error", err)
		return 0
	}

	started := 0
	for _, item := range items {
		if s.dispatch(ctx, item) {
			started++
		}
	}
	return started
}

// Wait blocks until every dispatched job has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// dispatch starts the job behind item unless it is no longer waiting or is
// throttled
func (s *Service) dispatch(ctx context.Context, item queue.Item) bool {
	rec, err := s.jobs.LoadJob(ctx, item.JobID)
	if err != nil {
		s.logger.Error("failed to load queued job", "job_id", item.JobID, "error", err)
		return false
	}

	// Duplicate pushes are harmless, only waiting records run
	if rec.Status != job.StatusQueued && rec.Status != job.StatusDelayed {
		s.logger.Debug("skipping job that is not waiting", "job_id", rec.ID, "status", rec.Status)
		return false
	}

	s.mu.Lock()
	h, ok := s.handlers[rec.Type]
	s.mu.Unlock()
	if !ok {
		s.finishWithoutHandler(ctx, rec)
		return false
	}

	p := priority.FromLevel(rec.PriorityLevel)
	if priority.ShouldThrottle(p, s.systemState()) {
		s.throttle(ctx, rec, p)
		return false
	}

	s.active.Add(1)
	s.wg.Add(1)
	go s.execute(ctx, rec, h)
	return true
}

// throttle pushes rec back with a delay stretched by the current load
func (s *Service) throttle(ctx context.Context, rec *job.Record, p priority.Priority) {
	queued, err := s.queue.Len(ctx)
	if err != nil {
		s.logger.Warn("failed to read queue length", "error", err)
	}

	delay := priority.CalculateDelay(p, priority.SystemLoad{
		ActiveJobs:  int(s.active.Load()),
		QueueLength: queued,
	})
	readyAt := s.now().Add(delay)

	if err := s.queue.Push(ctx, queue.Item{JobID: rec.ID, Priority: rec.PriorityLevel, ReadyAt: readyAt}); err != nil {
		s.logger.Error("failed to requeue throttled job", "job_id", rec.ID, "error", err)
		return
	}

	s.recorder.RecordThrottled(p.String())
	s.logger.Info("job throttled",
		"job_id", rec.ID,
		"priority", p,
		"delay", delay)
}

func (s *Service) finishWithoutHandler(ctx context.Context, rec *job.Record) {
	now := s.now()
	if _, err := rec.Fail(fmt.Errorf("%w: %s", ErrNoHandler, rec.Type), false, now); err != nil {
		s.logger.Error("failed to fail job without handler", "job_id", rec.ID, "error", err)
		return
	}
	s.saveJob(ctx, rec)
	s.recorder.RecordJobTransition(string(rec.Type), rec.Status.String())
	s.logger.Error("no handler for job", "job_id", rec.ID, "type", rec.Type)
}

// execute runs one job to completion. The record is owned by this goroutine.
func (s *Service) execute(ctx context.Context, rec *job.Record, h Handler) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	ctx = context.WithoutCancel(ctx)

	if err := rec.Start(s.now()); err != nil {
		s.logger.Error("failed to start job", "job_id", rec.ID, "error", err)
		return
	}
	s.saveJob(ctx, rec)
	s.recorder.RecordJobTransition(string(rec.Type), job.StatusActive.String())

	s.logger.Info("job started",
		"job_id", rec.ID,
		"type", rec.Type,
		"attempt", rec.Attempts,
		"max_attempts", rec.MaxAttempts)

	var progress batch.ProgressReporter = batch.NoProgress{}
	if s.progress != nil {
		progress = s.progress.Reporter(rec.ID)
	}

	started := s.now()
	result, err := s.invoke(ctx, h, rec, progress)
	if err != nil {
		s.jobFailed(ctx, rec, err)
		return
	}

	now := s.now()
	if counts, ok := pairCounts(result); ok {
		_ = rec.UpdateProgress(counts.SuccessfulPairs, counts.FailedPairs, &counts.TotalPairs, now)
	}
	_ = rec.SetPercentage(batch.ProgressDone, now)
	if err := rec.Complete(true, result, now); err != nil {
		s.logger.Error("failed to complete job", "job_id", rec.ID, "error", err)
		return
	}
	s.saveJob(ctx, rec)
	s.recorder.RecordJobTransition(string(rec.Type), job.StatusCompleted.String())
	s.retain(ctx, rec, true)

	s.logger.Info("job completed",
		"job_id", rec.ID,
		"attempt", rec.Attempts,
		"duration", now.Sub(started))
}

// pairCounts reads the pair totals of a batch result. Results of other
// shapes report ok false.
func pairCounts(result json.RawMessage) (counts struct {
	TotalPairs      int `json:"totalPairs"`
	SuccessfulPairs int `json:"successfulPairs"`
	FailedPairs     int `json:"failedPairs"`
}, ok bool) {
	if len(result) == 0 || json.Unmarshal(result, &counts) != nil {
		return counts, false
	}
	return counts, counts.TotalPairs > 0
}

// invoke calls the handler, turning a panic into an error
func (s *Service) invoke(ctx context.Context, h Handler, rec *job.Record, progress batch.ProgressReporter) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, rec, progress)
}

// jobFailed records err against the current attempt and either schedules a
// retry with the class backoff or fails the job for good. Validation errors
// are never retried.
func (s *Service) jobFailed(ctx context.Context, rec *job.Record, err error) {
	now := s.now()
	s.noteFailure(now)

	opts := s.optionsFor(rec)
	rec.RetryDelay = opts.Backoff.For(rec.Attempts)

	retried, ferr := rec.Fail(err, !failure.IsValidation(err), now)
	if ferr != nil {
		s.logger.Error("failed to record job failure", "job_id", rec.ID, "error", ferr)
		return
	}
	s.saveJob(ctx, rec)
	s.recorder.RecordJobTransition(string(rec.Type), rec.Status.String())

	if retried {
		if perr := s.queue.Push(ctx, queue.Item{JobID: rec.ID, Priority: rec.PriorityLevel, ReadyAt: *rec.ScheduledFor}); perr != nil {
			s.logger.Error("failed to requeue job for retry", "job_id", rec.ID, "error", perr)
		}
		s.logger.Warn("job failed, retry scheduled",
			"job_id", rec.ID,
			"attempt", rec.Attempts,
			"retry_at", *rec.ScheduledFor,
			"error", err)
		return
	}

	s.retain(ctx, rec, false)
	s.logger.Error("job failed",
		"job_id", rec.ID,
		"error", &failure.RetryExhaustedError{JobID: rec.ID, Attempts: rec.Attempts, Err: err})
}

// optionsFor returns the queue options of the record's class
func (s *Service) optionsFor(rec *job.Record) priority.QueueOptions {
	return priority.GetQueueOptions(priority.FromLevel(rec.PriorityLevel), priority.RetryInfo{
		IsRetry:    rec.Attempts > 1,
		RetryCount: rec.Attempts - 1,
	})
}

// retain keeps the finished id for its class retention window
func (s *Service) retain(ctx context.Context, rec *job.Record, success bool) {
	opts := s.optionsFor(rec)
	keep := opts.RemoveOnFail
	if success {
		keep = opts.RemoveOnComplete
	}

	evicted, err := s.queue.Retain(ctx, rec.ID, success, keep)
	if err != nil {
		s.logger.Warn("failed to retain finished job", "job_id", rec.ID, "error", err)
		return
	}
	if len(evicted) > 0 {
		s.logger.Debug("finished jobs evicted", "count", len(evicted), "success", success)
	}
}

// saveJob persists rec; failures are logged because the record in memory
// stays authoritative for the rest of the attempt
func (s *Service) saveJob(ctx context.Context, rec *job.Record) {
	if err := s.jobs.SaveJob(ctx, rec); err != nil {
		s.logger.Warn("failed to persist job", "error", failure.Persistence("job", rec.ID, err))
	}
}

func (s *Service) noteFailure(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, at)
}

// failuresSince drops failures older than the health window and counts the rest
func (s *Service) failuresSince(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-healthWindow)
	kept := s.failures[:0]
	for _, at := range s.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.failures = kept
	return len(kept)
}

func (s *Service) systemState() priority.SystemState {
	failed := s.failuresSince(s.now())
	return priority.SystemState{
		SystemHealth:       healthFor(failed),
		ActiveJobs:         int(s.active.Load()),
		FailedJobsLastHour: failed,
	}
}

func healthFor(failedLastHour int) string {
	switch {
	case failedLastHour >= poorFailureCount:
		return priority.HealthPoor
	case failedLastHour >= fairFailureCount:
		return priority.HealthFair
	default:
		return priority.HealthGood
	}
}

// GetStats returns the current load of the service
func (s *Service) GetStats() Stats {
	state := s.systemState()
	return Stats{
		Active:         state.ActiveJobs,
		FailedLastHour: state.FailedJobsLastHour,
		Health:         state.SystemHealth,
	}
}
