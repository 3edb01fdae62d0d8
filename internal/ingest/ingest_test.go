package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/stocksync/internal/batch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ==============================================================================
// Variant SKUs
// ==============================================================================

func TestGenerateVariantSku(t *testing.T) {
	tests := []struct {
		base, color, size string
		want              string
	}{
		{"a1241", "Navy Blue", " M ", "NOXA_A1241-NAVYBLUE-M"},
		{"B-77", "red", "XL", "NOXA_B-77-RED-XL"},
		{"c9", "", "s", "NOXA_C9-S"},
		{"c9", "  ", "", "NOXA_C9"},
		{"d 1\t2", "Off\nWhite", "10 ½", "NOXA_D12-OFFWHITE-10½"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, GenerateVariantSku(tt.base, tt.color, tt.size))
	}
}

// ==============================================================================
// Pool
// ==============================================================================

func TestPool_EveryChunkClaimedOnce(t *testing.T) {
	pool := NewPool(10, 4, nil, testLogger())

	var (
		mu   sync.Mutex
		seen []int
	)
	summary := pool.Run(context.Background(), 95, func(_ context.Context, c Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c.Index)
		assert.Equal(t, c.Index*10, c.Start)
		return nil
	})

	sort.Ints(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
	assert.Equal(t, 10, summary.Chunks)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Equal(t, 0, summary.Skipped)
	assert.NoError(t, summary.Err)
}

func TestPool_LastChunkIsShort(t *testing.T) {
	pool := NewPool(40, 2, nil, testLogger())

	var lens sync.Map
	pool.Run(context.Background(), 100, func(_ context.Context, c Chunk) error {
		lens.Store(c.Index, c.Len())
		return nil
	})

	last, ok := lens.Load(2)
	require.True(t, ok)
	assert.Equal(t, 20, last)
}

func TestPool_WorkersBounded(t *testing.T) {
	pool := NewPool(1, 3, nil, testLogger())

	var inFlight, maxInFlight atomic.Int32
	pool.Run(context.Background(), 12, func(context.Context, Chunk) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
}

func TestPool_FailuresAggregated(t *testing.T) {
	pool := NewPool(5, 2, nil, testLogger())

	summary := pool.Run(context.Background(), 20, func(_ context.Context, c Chunk) error {
		switch c.Index {
		case 1:
			return errors.New("disk full")
		case 3:
			panic("bad row")
		}
		return nil
	})

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)

	var merr *multierror.Error
	require.ErrorAs(t, summary.Err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Contains(t, summary.Err.Error(), "disk full")
	assert.Contains(t, summary.Err.Error(), "bad row")
}

func TestPool_CancelledContextSkipsRemaining(t *testing.T) {
	pool := NewPool(1, 1, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	summary := pool.Run(ctx, 5, func(context.Context, Chunk) error {
		cancel()
		return nil
	})

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 4, summary.Skipped)
}

func TestPool_Empty(t *testing.T) {
	pool := NewPool(0, 0, nil, testLogger())
	assert.Equal(t, DefaultChunkSize, pool.ChunkSize)
	assert.Equal(t, DefaultWorkers, pool.Workers)

	summary := pool.Run(context.Background(), 0, func(context.Context, Chunk) error {
		t.Fatal("no chunk expected")
		return nil
	})
	assert.Equal(t, 0, summary.Chunks)
}

// ==============================================================================
// Executor
// ==============================================================================

type fakeFeed struct {
	variants []Variant
	err      error
}

func (f *fakeFeed) FetchVariants(context.Context, string) ([]Variant, error) {
	return f.variants, f.err
}

type fakeMappings map[string]string

func (f fakeMappings) ActiveMappings(context.Context, string, string) (map[string]string, error) {
	return f, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	written []InventoryLevel
	failOn  map[string]bool
}

func (w *fakeWriter) WriteInventory(_ context.Context, levels []InventoryLevel) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, l := range levels {
		if w.failOn[l.VariantSku] {
			return errors.New("constraint failed")
		}
	}
	w.written = append(w.written, levels...)
	return nil
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []int
}

func (r *recordingReporter) Report(_ context.Context, p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, p)
}

func feedVariants() []Variant {
	return []Variant{
		{VendorID: "v1", BaseSku: "a1241", Color: "Navy Blue", Size: "M", Quantity: 4},
		{VendorID: "v1", BaseSku: "a1241", Color: "Navy Blue", Size: "L", Quantity: 0},
		{VendorID: "v1", BaseSku: "b200", Color: "Red", Size: "S", Quantity: -2},
		{VendorID: "v1", BaseSku: "zz999", Color: "Red", Size: "S", Quantity: 8},
		{VendorID: "v1", BaseSku: "b200", Color: "Red", Size: "M", Quantity: 120},
	}
}

func TestExecutor_WritesMappedVariants(t *testing.T) {
	writer := &fakeWriter{}
	reporter := &recordingReporter{}
	exec := NewExecutor(
		&fakeFeed{variants: feedVariants()},
		fakeMappings{"A1241": "prod-1", "B200": "prod-2"},
		writer,
		NewPool(2, 1, nil, testLogger()),
		testLogger(),
	)

	outcome, err := exec.Execute(context.Background(), batch.PairRequest{
		StoreID:  "s1",
		VendorID: "v1",
		SyncType: "inventory",
		Options:  map[string]any{"maxQuantity": "100"},
		Progress: reporter,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, outcome.ProductsProcessed)
	assert.Equal(t, 3, outcome.InventoryUpdated)
	require.Len(t, outcome.Errors, 1)
	assert.Equal(t, "NOXA_B200-RED-S", outcome.Errors[0].SKU)

	bySku := map[string]InventoryLevel{}
	for _, l := range writer.written {
		bySku[l.VariantSku] = l
	}
	assert.Equal(t, 4, bySku["NOXA_A1241-NAVYBLUE-M"].Quantity)
	assert.Equal(t, "prod-1", bySku["NOXA_A1241-NAVYBLUE-M"].StoreProductID)
	assert.Equal(t, 100, bySku["NOXA_B200-RED-M"].Quantity)

	assert.Equal(t, []int{10, 55, 100}, reporter.reports)
}

func TestExecutor_DryRunWritesNothing(t *testing.T) {
	writer := &fakeWriter{}
	exec := NewExecutor(
		&fakeFeed{variants: feedVariants()},
		fakeMappings{"A1241": "prod-1"},
		writer,
		NewPool(2, 2, nil, testLogger()),
		testLogger(),
	)

	outcome, err := exec.Execute(context.Background(), batch.PairRequest{
		StoreID:  "s1",
		VendorID: "v1",
		Options:  map[string]any{"dryRun": "true", "skipZero": 1},
	})
	require.NoError(t, err)

	assert.Empty(t, writer.written)
	assert.Equal(t, 0, outcome.InventoryUpdated)
}

func TestExecutor_PartialChunkFailure(t *testing.T) {
	writer := &fakeWriter{failOn: map[string]bool{"NOXA_A1241-NAVYBLUE-M": true}}
	exec := NewExecutor(
		&fakeFeed{variants: feedVariants()},
		fakeMappings{"A1241": "prod-1", "B200": "prod-2"},
		writer,
		NewPool(1, 1, nil, testLogger()),
		testLogger(),
	)

	outcome, err := exec.Execute(context.Background(), batch.PairRequest{StoreID: "s1", VendorID: "v1"})
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.InventoryUpdated)
	// negative quantity plus one failed chunk
	require.Len(t, outcome.Errors, 2)
	assert.Contains(t, outcome.Errors[1].Message, "constraint failed")
}

func TestExecutor_AllChunksFailed(t *testing.T) {
	writer := &fakeWriter{failOn: map[string]bool{"NOXA_A1241-NAVYBLUE-M": true}}
	exec := NewExecutor(
		&fakeFeed{variants: feedVariants()},
		fakeMappings{"A1241": "prod-1"},
		writer,
		NewPool(10, 1, nil, testLogger()),
		testLogger(),
	)

	_, err := exec.Execute(context.Background(), batch.PairRequest{StoreID: "s1", VendorID: "v1"})
	assert.ErrorContains(t, err, "constraint failed")
}

func TestExecutor_FeedError(t *testing.T) {
	exec := NewExecutor(
		&fakeFeed{err: errors.New("feed offline")},
		fakeMappings{},
		&fakeWriter{},
		NewPool(10, 1, nil, testLogger()),
		testLogger(),
	)

	_, err := exec.Execute(context.Background(), batch.PairRequest{StoreID: "s1", VendorID: "v1"})
	assert.ErrorContains(t, err, "feed offline")
}

func TestDecodeSyncOptions_Invalid(t *testing.T) {
	_, err := DecodeSyncOptions(map[string]any{"maxQuantity": "lots"})
	assert.Error(t, err)
}
