// Package ingest writes vendor SKU feeds into store inventory. Work is split
// into fixed-size chunks that a small pool of workers pulls from one shared
// cursor.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/stocksync/internal/stats"
)

const (
	DefaultChunkSize = 250
	DefaultWorkers   = 4
)

// Chunk is the half-open item range [Start, End)
type Chunk struct {
	Index int
	Start int
	End   int
}

// Len returns the number of items in the chunk
func (c Chunk) Len() int {
	return c.End - c.Start
}

// Summary describes a finished pool run. Err aggregates every chunk failure.
type Summary struct {
	Items     int
	Chunks    int
	Succeeded int
	Failed    int
	Skipped   int
	Err       error
}

// ChunkFunc processes the items of one chunk
type ChunkFunc func(ctx context.Context, chunk Chunk) error

// Pool runs chunk functions over a range of items
type Pool struct {
	ChunkSize int
	Workers   int

	recorder stats.Recorder
	logger   *slog.Logger
}

// NewPool creates a pool. Non-positive sizes fall back to the defaults.
func NewPool(chunkSize, workers int, recorder stats.Recorder, logger *slog.Logger) *Pool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if recorder == nil {
		recorder = stats.NoopRecorder{}
	}
	return &Pool{
		ChunkSize: chunkSize,
		Workers:   workers,
		recorder:  recorder,
		logger:    logger,
	}
}

// Chunks returns how many chunks n items split into
func (p *Pool) Chunks(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + p.ChunkSize - 1) / p.ChunkSize
}

// Run processes n items and blocks until every claimed chunk has settled.
// A failing chunk never stops the others. Once ctx is done, workers stop
// claiming chunks and the unclaimed ones are counted as skipped.
func (p *Pool) Run(ctx context.Context, n int, fn ChunkFunc) Summary {
	total := p.Chunks(n)
	summary := Summary{Items: n, Chunks: total}
	if total == 0 {
		return summary
	}

	var (
		cursor atomic.Int64
		mu     sync.Mutex
		merr   *multierror.Error
	)

	workers := min(p.Workers, total)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}

				idx := int(cursor.Add(1) - 1)
				if idx >= total {
					return nil
				}

				chunk := Chunk{
					Index: idx,
					Start: idx * p.ChunkSize,
					End:   min((idx+1)*p.ChunkSize, n),
				}

				err := p.runChunk(ctx, chunk, fn)
				p.recorder.RecordIngestChunk(err == nil, chunk.Len())

				mu.Lock()
				if err != nil {
					summary.Failed++
					merr = multierror.Append(merr, fmt.Errorf("chunk %d [%d,%d): %w", chunk.Index, chunk.Start, chunk.End, err))
				} else {
					summary.Succeeded++
				}
				mu.Unlock()

				if err != nil {
					p.logger.Warn("ingest chunk failed",
						"worker", w,
						"chunk", chunk.Index,
						"items", chunk.Len(),
						"error", err)
				}
			}
		})
	}
	_ = g.Wait()

	summary.Skipped = total - summary.Succeeded - summary.Failed
	summary.Err = merr.ErrorOrNil()
	return summary
}

func (p *Pool) runChunk(ctx context.Context, chunk Chunk, fn ChunkFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk panic: %v", r)
		}
	}()
	return fn(ctx, chunk)
}
