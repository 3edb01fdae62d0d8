package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/livinlefevreloca/stocksync/internal/pairs"
	"github.com/livinlefevreloca/stocksync/internal/stats"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func makePairs(n int) []pairs.SyncPair {
	ps := make([]pairs.SyncPair, n)
	for i := range ps {
		ps[i] = pairs.SyncPair{
			StoreID:      "s" + strconv.Itoa(i),
			VendorID:     "v" + strconv.Itoa(i),
			StoreName:    "Store " + strconv.Itoa(i),
			VendorName:   "Vendor " + strconv.Itoa(i),
			MappingCount: 1,
		}
	}
	return ps
}

func pairIndex(req PairRequest) int {
	i, _ := strconv.Atoi(req.StoreID[1:])
	return i
}

// recordingReporter captures every progress report
type recordingReporter struct {
	mu      sync.Mutex
	reports []int
}

func (r *recordingReporter) Report(_ context.Context, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, percent)
}

func (r *recordingReporter) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.reports))
	copy(out, r.reports)
	return out
}

// funcExecutor runs a function per pair
type funcExecutor func(ctx context.Context, req PairRequest) (PairOutcome, error)

func (f funcExecutor) Execute(ctx context.Context, req PairRequest) (PairOutcome, error) {
	return f(ctx, req)
}

func okExecutor(products, inventory int) funcExecutor {
	return func(context.Context, PairRequest) (PairOutcome, error) {
		return PairOutcome{ProductsProcessed: products, InventoryUpdated: inventory}, nil
	}
}

// barrierExecutor checks that no pair of a super-batch starts before the
// previous super-batch has fully settled
type barrierExecutor struct {
	size int

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	finished    int
	violations  int
	failIndex   map[int]bool
}

func (b *barrierExecutor) Execute(_ context.Context, req PairRequest) (PairOutcome, error) {
	idx := pairIndex(req)

	b.mu.Lock()
	if b.finished < (idx/b.size)*b.size {
		b.violations++
	}
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	b.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	b.mu.Lock()
	b.inFlight--
	b.finished++
	fail := b.failIndex[idx]
	b.mu.Unlock()

	if fail {
		return PairOutcome{}, fmt.Errorf("vendor %s rejected request", req.VendorID)
	}
	return PairOutcome{ProductsProcessed: 10, InventoryUpdated: 4}, nil
}

func assertAggregateInvariant(t *testing.T, r *Result) {
	t.Helper()
	assert.Equal(t, r.TotalPairs, r.SuccessfulPairs+r.FailedPairs)
	assert.Len(t, r.Results, r.SuccessfulPairs)
}

// ==============================================================================
// Progress Mapping
// ==============================================================================

func TestSequentialProgress_BoundsAndMonotonic(t *testing.T) {
	for n := 1; n <= 25; n++ {
		for p := 0; p <= 100; p++ {
			prev := -1
			for i := 0; i < n; i++ {
				v := SequentialProgress(i, n, p)
				assert.GreaterOrEqual(t, v, 15, "i=%d n=%d p=%d", i, n, p)
				assert.LessOrEqual(t, v, 95, "i=%d n=%d p=%d", i, n, p)
				assert.GreaterOrEqual(t, v, prev, "i=%d n=%d p=%d", i, n, p)
				prev = v
			}
		}
	}
}

func TestSequentialProgress_Values(t *testing.T) {
	assert.Equal(t, 15, SequentialProgress(0, 4, 0))
	assert.Equal(t, 25, SequentialProgress(0, 4, 50))
	assert.Equal(t, 35, SequentialProgress(1, 4, 0))
	assert.Equal(t, 95, SequentialProgress(3, 4, 100))
	// floor(15 + 80/3) = 41
	assert.Equal(t, 41, SequentialProgress(1, 3, 0))
	// out of range intra progress is clamped
	assert.Equal(t, 95, SequentialProgress(0, 1, 250))
}

func TestParallelProgress(t *testing.T) {
	assert.Equal(t, 47, ParallelProgress(2, 5))
	assert.Equal(t, 79, ParallelProgress(4, 5))
	assert.Equal(t, 95, ParallelProgress(5, 5))
}

// ==============================================================================
// Sequential Strategy
// ==============================================================================

func TestRunSequential_PairFailureIsIsolated(t *testing.T) {
	calls := make([]string, 0)
	exec := funcExecutor(func(_ context.Context, req PairRequest) (PairOutcome, error) {
		calls = append(calls, req.StoreID)
		if pairIndex(req) == 2 {
			return PairOutcome{}, errors.New("vendor API returned 503")
		}
		return PairOutcome{ProductsProcessed: 5, InventoryUpdated: 3}, nil
	})

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(context.Background(), makePairs(4), "inventory", Options{Strategy: Sequential}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"s0", "s1", "s2", "s3"}, calls)
	assert.Equal(t, Sequential, result.Strategy)
	assert.Equal(t, 4, result.TotalPairs)
	assert.Equal(t, 3, result.SuccessfulPairs)
	assert.Equal(t, 1, result.FailedPairs)
	assert.Equal(t, 15, result.TotalProductsProcessed)
	assert.Equal(t, 9, result.TotalInventoryUpdated)
	assertAggregateInvariant(t, result)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, failure.PairError{
		StoreID:    "s2",
		VendorID:   "v2",
		StoreName:  "Store 2",
		VendorName: "Vendor 2",
		Message:    "vendor API returned 503",
	}, result.Errors[0])
}

func TestRunSequential_MergesItemErrors(t *testing.T) {
	exec := funcExecutor(func(_ context.Context, req PairRequest) (PairOutcome, error) {
		if req.StoreID == "s1" {
			return PairOutcome{
				ProductsProcessed: 3,
				InventoryUpdated:  1,
				Errors: []ItemError{
					{SKU: "NOXA_A1-RED-M", Message: "unmapped size"},
					{SKU: "NOXA_A2-RED-L", Message: "negative stock"},
				},
			}, nil
		}
		return PairOutcome{ProductsProcessed: 1, InventoryUpdated: 1}, nil
	})

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(context.Background(), makePairs(2), "inventory", Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessfulPairs)
	assert.Equal(t, 0, result.FailedPairs)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "s1", result.Errors[0].StoreID)
	assert.Equal(t, "v1", result.Errors[0].VendorID)
	assert.Equal(t, "NOXA_A1-RED-M", result.Errors[0].SKU)
	assert.Equal(t, "negative stock", result.Errors[1].Message)
	assert.Len(t, result.Results[1].Errors, 2)
}

func TestRunSequential_ProgressReports(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, req PairRequest) (PairOutcome, error) {
		req.Progress.Report(ctx, 50)
		req.Progress.Report(ctx, 20) // going backwards is swallowed
		req.Progress.Report(ctx, 100)
		return PairOutcome{ProductsProcessed: 1}, nil
	})
	reporter := &recordingReporter{}

	engine := NewEngine(exec, nil, createTestLogger())
	_, err := engine.Run(context.Background(), makePairs(4), "inventory", Options{Strategy: Sequential}, reporter)
	require.NoError(t, err)

	got := reporter.values()
	assert.Equal(t, []int{15, 25, 35, 45, 55, 65, 75, 85, 95, 100}, got)

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestRunSequential_CancelledContextStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var executed int
	exec := funcExecutor(func(context.Context, PairRequest) (PairOutcome, error) {
		executed++
		if executed == 2 {
			cancel()
		}
		return PairOutcome{ProductsProcessed: 1}, nil
	})
	reporter := &recordingReporter{}

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(ctx, makePairs(5), "inventory", Options{}, reporter)

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, 2, executed)
	assert.Equal(t, 2, result.SuccessfulPairs)
	assert.NotContains(t, reporter.values(), 100)
}

func TestRunSequential_PanicCountsAsFailure(t *testing.T) {
	exec := funcExecutor(func(_ context.Context, req PairRequest) (PairOutcome, error) {
		if req.StoreID == "s0" {
			panic("nil feed")
		}
		return PairOutcome{ProductsProcessed: 2}, nil
	})

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(context.Background(), makePairs(2), "inventory", Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FailedPairs)
	assert.Equal(t, 1, result.SuccessfulPairs)
	assert.Contains(t, result.Errors[0].Message, "nil feed")
	assertAggregateInvariant(t, result)
}

// ==============================================================================
// Parallel Strategy
// ==============================================================================

func TestRunParallel_SuperBatchBarrier(t *testing.T) {
	exec := &barrierExecutor{size: 2}
	reporter := &recordingReporter{}

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(context.Background(), makePairs(5), "inventory", Options{Strategy: Parallel, Concurrency: 2}, reporter)
	require.NoError(t, err)

	assert.Equal(t, 0, exec.violations)
	assert.LessOrEqual(t, exec.maxInFlight, 2)
	assert.Equal(t, 5, exec.finished)

	// One report per super-batch ([2,2,1]) and the final 100
	assert.Equal(t, []int{47, 79, 95, 100}, reporter.values())

	assert.Equal(t, Parallel, result.Strategy)
	assert.Equal(t, 2, result.Concurrency)
	assert.Equal(t, 5, result.SuccessfulPairs)
	assert.Equal(t, 50, result.TotalProductsProcessed)
	assertAggregateInvariant(t, result)
}

func TestRunParallel_FailureDoesNotAbortSiblings(t *testing.T) {
	exec := &barrierExecutor{size: 3, failIndex: map[int]bool{0: true, 4: true}}

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(context.Background(), makePairs(6), "full", Options{Strategy: Parallel, Concurrency: 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, 6, exec.finished)
	assert.Equal(t, 4, result.SuccessfulPairs)
	assert.Equal(t, 2, result.FailedPairs)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "s0", result.Errors[0].StoreID)
	assert.Equal(t, "s4", result.Errors[1].StoreID)
	assertAggregateInvariant(t, result)
}

func TestRunParallel_DefaultConcurrency(t *testing.T) {
	exec := &barrierExecutor{size: DefaultConcurrency}
	reporter := &recordingReporter{}

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(context.Background(), makePairs(7), "inventory", Options{Strategy: Parallel}, reporter)
	require.NoError(t, err)

	assert.Equal(t, DefaultConcurrency, result.Concurrency)
	assert.Equal(t, 0, exec.violations)
	assert.Len(t, reporter.values(), 4)
}

func TestRun_EngineDefaults(t *testing.T) {
	exec := &barrierExecutor{size: 2}

	engine := NewEngine(exec, nil, createTestLogger())
	engine.SetDefaults(Parallel, 2)
	result, err := engine.Run(context.Background(), makePairs(4), "inventory", Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, Parallel, result.Strategy)
	assert.Equal(t, 2, result.Concurrency)
	assert.Equal(t, 0, exec.violations)
	assert.LessOrEqual(t, exec.maxInFlight, 2)

	// Zero values keep what was set before
	engine.SetDefaults("", 0)
	result, err = engine.Run(context.Background(), makePairs(2), "inventory", Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Concurrency)
}

func TestRunParallel_NoIntraPairProgress(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, req PairRequest) (PairOutcome, error) {
		req.Progress.Report(ctx, 50)
		return PairOutcome{}, nil
	})
	reporter := &recordingReporter{}

	engine := NewEngine(exec, nil, createTestLogger())
	_, err := engine.Run(context.Background(), makePairs(2), "inventory", Options{Strategy: Parallel, Concurrency: 2}, reporter)
	require.NoError(t, err)

	assert.Equal(t, []int{95, 100}, reporter.values())
}

// ==============================================================================
// Validation and collaborators
// ==============================================================================

func TestRun_EmptyPairs(t *testing.T) {
	engine := NewEngine(okExecutor(1, 1), nil, createTestLogger())
	result, err := engine.Run(context.Background(), nil, "inventory", Options{}, nil)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, pairs.ErrNoSyncPairs)
	assert.True(t, failure.IsValidation(err))
}

func TestRun_UnknownStrategy(t *testing.T) {
	engine := NewEngine(okExecutor(1, 1), nil, createTestLogger())
	_, err := engine.Run(context.Background(), makePairs(1), "inventory", Options{Strategy: "round-robin"}, nil)

	assert.True(t, failure.IsValidation(err))
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, req PairRequest) (PairOutcome, error) {
	args := m.Called(ctx, req.StoreID, req.VendorID, req.SyncType, req.Options)
	return args.Get(0).(PairOutcome), args.Error(1)
}

func TestRun_PassesRequestToExecutor(t *testing.T) {
	opts := map[string]any{"dryRun": true}
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "s0", "v0", "full", opts).
		Return(PairOutcome{ProductsProcessed: 7, InventoryUpdated: 2}, nil).Once()
	exec.On("Execute", mock.Anything, "s1", "v1", "full", opts).
		Return(PairOutcome{}, errors.New("bad credentials")).Once()

	engine := NewEngine(exec, nil, createTestLogger())
	result, err := engine.Run(context.Background(), makePairs(2), "full", Options{Strategy: Parallel, Concurrency: 2, SyncOptions: opts}, nil)
	require.NoError(t, err)

	exec.AssertExpectations(t)
	assert.Equal(t, 7, result.TotalProductsProcessed)
	assert.Equal(t, "bad credentials", result.Errors[0].Message)
}

func TestRun_RecordsMetrics(t *testing.T) {
	recorder := stats.NewPrometheusRecorder()
	exec := &barrierExecutor{size: 2, failIndex: map[int]bool{1: true}}

	engine := NewEngine(exec, recorder, createTestLogger())
	_, err := engine.Run(context.Background(), makePairs(3), "inventory", Options{Strategy: Parallel, Concurrency: 2}, nil)
	require.NoError(t, err)

	families, err := recorder.Registry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "stocksync_pair_executions_total" {
			found = true
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			assert.Equal(t, 3.0, total)
		}
	}
	assert.True(t, found)
}
