// Package batch runs a set of store/vendor sync pairs either one after another
// or in concurrency-bounded super-batches, and folds the outcomes into one
// partially-failable Result while reporting overall progress.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/livinlefevreloca/stocksync/internal/pairs"
	"github.com/livinlefevreloca/stocksync/internal/stats"
)

const tracerName = "github.com/livinlefevreloca/stocksync/internal/batch"

// Engine executes batches of sync pairs through a PairExecutor
type Engine struct {
	executor PairExecutor
	recorder stats.Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	// Applied when a request leaves strategy or concurrency unset
	defaults Options
}

// NewEngine creates an engine. A nil recorder records nothing.
func NewEngine(executor PairExecutor, recorder stats.Recorder, logger *slog.Logger) *Engine {
	if recorder == nil {
		recorder = stats.NoopRecorder{}
	}
	return &Engine{
		executor: executor,
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
		now:      time.Now,
		defaults: Options{Strategy: Sequential, Concurrency: DefaultConcurrency},
	}
}

// SetDefaults replaces the strategy and concurrency used for requests that
// leave them unset. Zero values keep the built-in defaults.
func (e *Engine) SetDefaults(strategy Strategy, concurrency int) {
	if strategy != "" {
		e.defaults.Strategy = strategy
	}
	if concurrency > 0 {
		e.defaults.Concurrency = concurrency
	}
}

// SequentialProgress maps intra-pair progress p of pair i (0-based) out of n
// onto overall progress: floor(base + (i/n)*range + (p/100)*(range/n)).
// The value stays within [ProgressBase, ProgressBase+ProgressRange].
func SequentialProgress(i, n, p int) int {
	if n <= 0 {
		return ProgressBase
	}
	p = clampPercent(p)
	return ProgressBase + (ProgressRange*(100*i+p))/(100*n)
}

// ParallelProgress maps the number of settled pairs onto overall progress
func ParallelProgress(processed, n int) int {
	if n <= 0 {
		return ProgressBase
	}
	return ProgressBase + (processed*ProgressRange)/n
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Run executes all pairs with the strategy in opts. Pair failures are
// recorded in the result and never returned. An error is returned only for
// an empty pair list, an unknown strategy, or a context cancelled before all
// pairs were dispatched; in the last case the partial result is returned too.
func (e *Engine) Run(ctx context.Context, ps []pairs.SyncPair, syncType string, opts Options, progress ProgressReporter) (*Result, error) {
	if len(ps) == 0 {
		return nil, failure.Validation(pairs.ErrNoSyncPairs)
	}
	if progress == nil {
		progress = NoProgress{}
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = e.defaults.Strategy
	}

	ctx, span := e.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("sync_type", syncType),
		attribute.Int("pairs", len(ps)),
	))
	defer span.End()

	start := e.now()
	e.logger.Info("starting batch",
		"strategy", strategy,
		"sync_type", syncType,
		"pairs", len(ps))

	var (
		result *Result
		err    error
	)
	switch strategy {
	case Sequential:
		result, err = e.runSequential(ctx, ps, syncType, opts, progress)
	case Parallel:
		result, err = e.runParallel(ctx, ps, syncType, opts, progress)
	default:
		return nil, failure.Validation(fmt.Errorf("unknown batch strategy %q", strategy))
	}

	if err == nil {
		progress.Report(ctx, ProgressDone)
	}
	result.Finish(e.now().Sub(start))
	e.recorder.RecordBatch(string(strategy), result.TotalPairs, result.FailedPairs, result.Duration)

	span.SetAttributes(
		attribute.Int("successful_pairs", result.SuccessfulPairs),
		attribute.Int("failed_pairs", result.FailedPairs),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	e.logger.Info("batch finished",
		"strategy", strategy,
		"total_pairs", result.TotalPairs,
		"successful_pairs", result.SuccessfulPairs,
		"failed_pairs", result.FailedPairs,
		"products_processed", result.TotalProductsProcessed,
		"inventory_updated", result.TotalInventoryUpdated,
		"duration", result.Duration)

	return result, err
}

func (e *Engine) runSequential(ctx context.Context, ps []pairs.SyncPair, syncType string, opts Options, progress ProgressReporter) (*Result, error) {
	n := len(ps)
	result := NewResult(Sequential, n)
	mono := Monotonic(progress)

	for i, pair := range ps {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		mono.Report(ctx, SequentialProgress(i, n, 0))
		intra := ProgressFunc(func(ctx context.Context, p int) {
			mono.Report(ctx, SequentialProgress(i, n, p))
		})

		res, perr := e.ExecutePair(ctx, pair, syncType, opts.SyncOptions, Sequential, intra)
		result.Add(res, perr)
	}

	return result, nil
}

func (e *Engine) runParallel(ctx context.Context, ps []pairs.SyncPair, syncType string, opts Options, progress ProgressReporter) (*Result, error) {
	n := len(ps)
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = e.defaults.Concurrency
	}

	result := NewResult(Parallel, n)
	result.Concurrency = concurrency

	type outcome struct {
		res  *PairResult
		perr *failure.PairError
	}

	for start := 0; start < n; start += concurrency {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := min(start+concurrency, n)
		superBatch := ps[start:end]
		outcomes := make([]outcome, len(superBatch))

		// Barrier: every pair in the super-batch settles before the next one starts.
		// Pair failures are captured in outcomes, so the group never sees an error.
		var g errgroup.Group
		for j, pair := range superBatch {
			g.Go(func() error {
				res, perr := e.ExecutePair(ctx, pair, syncType, opts.SyncOptions, Parallel, NoProgress{})
				outcomes[j] = outcome{res: res, perr: perr}
				return nil
			})
		}
		_ = g.Wait()

		for _, o := range outcomes {
			result.Add(o.res, o.perr)
		}

		e.logger.Debug("super-batch settled",
			"from", start,
			"to", end,
			"pairs", n)
		progress.Report(ctx, ParallelProgress(end, n))
	}

	return result, nil
}

// ExecutePair runs a single pair and isolates its failure. Exactly one of the
// return values is non-nil. A panicking executor counts as a failed pair.
func (e *Engine) ExecutePair(ctx context.Context, pair pairs.SyncPair, syncType string, options map[string]any, strategy Strategy, progress ProgressReporter) (res *PairResult, perr *failure.PairError) {
	if progress == nil {
		progress = NoProgress{}
	}

	ctx, span := e.tracer.Start(ctx, "batch.pair", trace.WithAttributes(
		attribute.String("store_id", pair.StoreID),
		attribute.String("vendor_id", pair.VendorID),
	))
	defer span.End()

	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			res = nil
			perr = e.pairFailed(pair, fmt.Errorf("pair executor panic: %v", r), strategy, start, span)
		}
	}()

	// Started pairs run to completion even if ctx is cancelled
	outcome, err := e.executor.Execute(context.WithoutCancel(ctx), PairRequest{
		StoreID:  pair.StoreID,
		VendorID: pair.VendorID,
		SyncType: syncType,
		Options:  options,
		Progress: progress,
	})
	if err != nil {
		return nil, e.pairFailed(pair, err, strategy, start, span)
	}

	elapsed := e.now().Sub(start)
	e.recorder.RecordPair(string(strategy), true, elapsed)
	span.SetAttributes(
		attribute.Int("products_processed", outcome.ProductsProcessed),
		attribute.Int("inventory_updated", outcome.InventoryUpdated),
	)

	return &PairResult{
		StoreID:           pair.StoreID,
		VendorID:          pair.VendorID,
		StoreName:         pair.StoreName,
		VendorName:        pair.VendorName,
		ProductsProcessed: outcome.ProductsProcessed,
		InventoryUpdated:  outcome.InventoryUpdated,
		Errors:            outcome.Errors,
		DurationMs:        elapsed.Milliseconds(),
	}, nil
}

func (e *Engine) pairFailed(pair pairs.SyncPair, err error, strategy Strategy, start time.Time, span trace.Span) *failure.PairError {
	e.recorder.RecordPair(string(strategy), false, e.now().Sub(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	e.logger.Warn("pair execution failed",
		"store_id", pair.StoreID,
		"vendor_id", pair.VendorID,
		"strategy", strategy,
		"error", err)

	perr := pairIdentity(pair)
	perr.Message = err.Error()
	return &perr
}

// Monotonic wraps next so that reports which would not move progress forward
// are dropped. Safe for concurrent use.
func Monotonic(next ProgressReporter) ProgressReporter {
	return &monotonic{next: next}
}

type monotonic struct {
	mu   sync.Mutex
	next ProgressReporter
	last int
	sent bool
}

func (m *monotonic) Report(ctx context.Context, percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent && percent <= m.last {
		return
	}
	m.last = percent
	m.sent = true
	m.next.Report(ctx, percent)
}
