package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	"github.com/livinlefevreloca/stocksync/internal/batch"
)

// Variant is one staged row of a vendor feed
type Variant struct {
	VendorID string
	BaseSku  string
	Color    string
	Size     string
	Quantity int
}

// Sku returns the generated variant SKU
func (v Variant) Sku() string {
	return GenerateVariantSku(v.BaseSku, v.Color, v.Size)
}

// InventoryLevel is the quantity a store should show for one variant
type InventoryLevel struct {
	StoreID        string
	VendorID       string
	StoreProductID string
	VariantSku     string
	Quantity       int
}

// FeedSource returns the staged variants of a vendor feed
type FeedSource interface {
	FetchVariants(ctx context.Context, vendorID string) ([]Variant, error)
}

// MappingLookup returns the active product mappings of a pair keyed by
// uppercased vendor base SKU, valued by store product id
type MappingLookup interface {
	ActiveMappings(ctx context.Context, storeID, vendorID string) (map[string]string, error)
}

// InventoryWriter persists one chunk of inventory levels
type InventoryWriter interface {
	WriteInventory(ctx context.Context, levels []InventoryLevel) error
}

// SyncOptions are the pair options understood by the executor
type SyncOptions struct {
	DryRun      bool `mapstructure:"dryRun"`
	SkipZero    bool `mapstructure:"skipZero"`
	MaxQuantity int  `mapstructure:"maxQuantity"`
}

// DecodeSyncOptions reads SyncOptions from a loosely typed option map
func DecodeSyncOptions(raw map[string]any) (SyncOptions, error) {
	var opts SyncOptions
	if len(raw) == 0 {
		return opts, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := decoder.Decode(raw); err != nil {
		return opts, fmt.Errorf("decode sync options: %w", err)
	}
	return opts, nil
}

// Executor syncs one store against one vendor feed
type Executor struct {
	feed     FeedSource
	mappings MappingLookup
	writer   InventoryWriter
	pool     *Pool
	logger   *slog.Logger
}

// NewExecutor creates a pair executor writing through pool
func NewExecutor(feed FeedSource, mappings MappingLookup, writer InventoryWriter, pool *Pool, logger *slog.Logger) *Executor {
	return &Executor{
		feed:     feed,
		mappings: mappings,
		writer:   writer,
		pool:     pool,
		logger:   logger,
	}
}

// Execute implements batch.PairExecutor. Variants without an active mapping
// are counted as processed and ignored. Item problems and failed chunks end
// up in the outcome's errors; the pair fails only if nothing could be written.
func (e *Executor) Execute(ctx context.Context, req batch.PairRequest) (batch.PairOutcome, error) {
	progress := req.Progress
	if progress == nil {
		progress = batch.NoProgress{}
	}

	opts, err := DecodeSyncOptions(req.Options)
	if err != nil {
		return batch.PairOutcome{}, err
	}

	variants, err := e.feed.FetchVariants(ctx, req.VendorID)
	if err != nil {
		return batch.PairOutcome{}, fmt.Errorf("fetch vendor feed %s: %w", req.VendorID, err)
	}

	mapped, err := e.mappings.ActiveMappings(ctx, req.StoreID, req.VendorID)
	if err != nil {
		return batch.PairOutcome{}, fmt.Errorf("load mappings %s/%s: %w", req.StoreID, req.VendorID, err)
	}

	outcome := batch.PairOutcome{ProductsProcessed: len(variants)}
	levels := make([]InventoryLevel, 0, len(variants))

	for _, v := range variants {
		productID, ok := mapped[strings.ToUpper(strings.TrimSpace(v.BaseSku))]
		if !ok {
			continue
		}

		sku := v.Sku()
		qty := v.Quantity
		if qty < 0 {
			outcome.Errors = append(outcome.Errors, batch.ItemError{
				SKU:     sku,
				Message: fmt.Sprintf("negative quantity %d", qty),
			})
			continue
		}
		if qty == 0 && opts.SkipZero {
			continue
		}
		if opts.MaxQuantity > 0 && qty > opts.MaxQuantity {
			qty = opts.MaxQuantity
		}

		levels = append(levels, InventoryLevel{
			StoreID:        req.StoreID,
			VendorID:       req.VendorID,
			StoreProductID: productID,
			VariantSku:     sku,
			Quantity:       qty,
		})
	}

	progress.Report(ctx, 10)

	if opts.DryRun || len(levels) == 0 {
		e.logger.Debug("nothing to write",
			"store_id", req.StoreID,
			"vendor_id", req.VendorID,
			"dry_run", opts.DryRun,
			"candidates", len(levels))
		progress.Report(ctx, 100)
		return outcome, nil
	}

	var (
		written atomic.Int64
		settled atomic.Int64
	)
	chunks := e.pool.Chunks(len(levels))

	summary := e.pool.Run(ctx, len(levels), func(ctx context.Context, c Chunk) error {
		defer func() {
			done := settled.Add(1)
			progress.Report(ctx, 10+int(done)*90/chunks)
		}()

		if err := e.writer.WriteInventory(ctx, levels[c.Start:c.End]); err != nil {
			return err
		}
		written.Add(int64(c.Len()))
		return nil
	})

	outcome.InventoryUpdated = int(written.Load())

	if summary.Err != nil {
		var merr *multierror.Error
		if errors.As(summary.Err, &merr) {
			for _, cerr := range merr.WrappedErrors() {
				outcome.Errors = append(outcome.Errors, batch.ItemError{Message: cerr.Error()})
			}
		}
	}

	if summary.Succeeded == 0 && summary.Failed > 0 {
		return batch.PairOutcome{}, fmt.Errorf("write inventory %s/%s: %w", req.StoreID, req.VendorID, summary.Err)
	}
	if summary.Skipped > 0 {
		return outcome, fmt.Errorf("ingest interrupted with %d of %d chunks unwritten: %w", summary.Skipped, summary.Chunks, ctx.Err())
	}

	e.logger.Info("pair inventory written",
		"store_id", req.StoreID,
		"vendor_id", req.VendorID,
		"variants", len(variants),
		"written", outcome.InventoryUpdated,
		"failed_chunks", summary.Failed)

	return outcome, nil
}

var _ batch.PairExecutor = (*Executor)(nil)
