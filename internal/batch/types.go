package batch

import (
	"context"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/livinlefevreloca/stocksync/internal/pairs"
)

// Strategy selects how a batch of pairs is executed
type Strategy string

const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
	// Individual is only produced by the scheduled orchestrator, which runs
	// each pair on its own through Engine.ExecutePair
	Individual Strategy = "individual"
)

// Progress mapping: pair work is spread over [ProgressBase, ProgressBase+ProgressRange],
// the engine reports 100 once every pair has settled.
const (
	ProgressBase       = 15
	ProgressRange      = 80
	ProgressDone       = 100
	DefaultConcurrency = 3
)

// ProgressReporter receives overall job progress as an integer percentage.
// Delivery is fire-and-forget: implementations log their own failures.
type ProgressReporter interface {
	Report(ctx context.Context, percent int)
}

// ProgressFunc adapts a function to ProgressReporter
type ProgressFunc func(ctx context.Context, percent int)

func (f ProgressFunc) Report(ctx context.Context, percent int) {
	f(ctx, percent)
}

// NoProgress drops all reports
type NoProgress struct{}

func (NoProgress) Report(context.Context, int) {}

// ItemError is a per-item failure reported by a pair executor that still
// finished the pair
type ItemError struct {
	SKU     string `json:"sku,omitempty"`
	Message string `json:"message"`
}

// PairRequest is handed to the pair executor
type PairRequest struct {
	StoreID  string
	VendorID string
	SyncType string
	Options  map[string]any
	// Progress receives intra-pair progress in [0, 100]
	Progress ProgressReporter
}

// PairOutcome is what a pair executor returns on success
type PairOutcome struct {
	ProductsProcessed int
	InventoryUpdated  int
	Errors            []ItemError
}

// PairExecutor syncs a single store against a single vendor
type PairExecutor interface {
	Execute(ctx context.Context, req PairRequest) (PairOutcome, error)
}

// Options configure a batch run
type Options struct {
	Strategy    Strategy       `json:"strategy,omitempty"`
	Concurrency int            `json:"concurrency,omitempty"`
	SyncOptions map[string]any `json:"syncOptions,omitempty"`
}

// PairResult is the outcome of one pair that succeeded
type PairResult struct {
	StoreID           string      `json:"storeId"`
	VendorID          string      `json:"vendorId"`
	StoreName         string      `json:"storeName"`
	VendorName        string      `json:"vendorName"`
	ProductsProcessed int         `json:"productsProcessed"`
	InventoryUpdated  int         `json:"inventoryUpdated"`
	Errors            []ItemError `json:"errors,omitempty"`
	DurationMs        int64       `json:"durationMs"`
}

// Result aggregates all pair outcomes of a batch.
// SuccessfulPairs + FailedPairs always equals TotalPairs once the batch returns
// without a context error.
type Result struct {
	Strategy               Strategy            `json:"strategy"`
	ExecutionStrategy      string              `json:"executionStrategy,omitempty"`
	Concurrency            int                 `json:"concurrency,omitempty"`
	TotalPairs             int                 `json:"totalPairs"`
	SuccessfulPairs        int                 `json:"successfulPairs"`
	FailedPairs            int                 `json:"failedPairs"`
	TotalProductsProcessed int                 `json:"totalProductsProcessed"`
	TotalInventoryUpdated  int                 `json:"totalInventoryUpdated"`
	Results                []PairResult        `json:"results"`
	Errors                 []failure.PairError `json:"errors"`
	Duration               time.Duration       `json:"-"`
	DurationMs             int64               `json:"durationMs"`
}

// NewResult creates an empty aggregate for n pairs
func NewResult(strategy Strategy, n int) *Result {
	return &Result{
		Strategy:   strategy,
		TotalPairs: n,
		Results:    make([]PairResult, 0, n),
		Errors:     make([]failure.PairError, 0),
	}
}

// Add folds one pair outcome into the aggregate. Exactly one of res and perr is non-nil.
func (r *Result) Add(res *PairResult, perr *failure.PairError) {
	if perr != nil {
		r.FailedPairs++
		r.Errors = append(r.Errors, *perr)
		return
	}

	r.SuccessfulPairs++
	r.TotalProductsProcessed += res.ProductsProcessed
	r.TotalInventoryUpdated += res.InventoryUpdated
	r.Results = append(r.Results, *res)

	for _, ie := range res.Errors {
		r.Errors = append(r.Errors, failure.PairError{
			StoreID:    res.StoreID,
			VendorID:   res.VendorID,
			StoreName:  res.StoreName,
			VendorName: res.VendorName,
			SKU:        ie.SKU,
			Message:    ie.Message,
		})
	}
}

// Finish stamps the duration
func (r *Result) Finish(d time.Duration) {
	r.Duration = d
	r.DurationMs = d.Milliseconds()
}

func pairIdentity(p pairs.SyncPair) failure.PairError {
	return failure.PairError{
		StoreID:    p.StoreID,
		VendorID:   p.VendorID,
		StoreName:  p.StoreName,
		VendorName: p.VendorName,
	}
}
