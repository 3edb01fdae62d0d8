// Package syncer persists job progress off the hot path. Reports are buffered,
// coalesced per job and written in the background; a failed write is logged
// and dropped, it never reaches the code that reported the progress.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/livinlefevreloca/stocksync/internal/batch"
	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/livinlefevreloca/stocksync/internal/job"
	"github.com/livinlefevreloca/stocksync/internal/stats"
)

// ProgressWriter persists a batch of progress updates
type ProgressWriter interface {
	WriteProgress(ctx context.Context, updates []job.ProgressUpdate) error
}

// Stats provides current syncer statistics
type Stats struct {
	Buffered int
	Written  int
	Dropped  int
	Failed   int
}

// Syncer handles progress writes and buffering
type Syncer struct {
	config   Config
	writer   ProgressWriter
	recorder stats.Recorder
	logger   *slog.Logger
	now      func() time.Time

	input chan job.ProgressUpdate

	// Guards closed so that reports racing Shutdown never send on a closed channel
	inputMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	pending map[string]job.ProgressUpdate
	stats   Stats

	wg sync.WaitGroup
}

// NewSyncer creates a syncer with the specified configuration
func NewSyncer(config Config, writer ProgressWriter, recorder stats.Recorder, logger *slog.Logger) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = stats.NoopRecorder{}
	}

	return &Syncer{
		config:   config,
		writer:   writer,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		input:    make(chan job.ProgressUpdate, config.ChannelSize),
		pending:  make(map[string]job.ProgressUpdate),
	}, nil
}

// Start launches the background writer goroutine
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.run()
}

// Enqueue hands an update to the background writer without blocking.
// Updates arriving while the channel is full, or after Shutdown, are dropped.
func (s *Syncer) Enqueue(update job.ProgressUpdate) {
	s.inputMu.RLock()
	defer s.inputMu.RUnlock()

	if s.closed {
		s.drop(update, "syncer shut down")
		return
	}

	select {
	case s.input <- update:
	default:
		s.drop(update, "progress channel full")
	}
}

func (s *Syncer) drop(update job.ProgressUpdate, reason string) {
	s.mu.Lock()
	s.stats.Dropped++
	s.mu.Unlock()

	s.logger.Warn("dropped progress update",
		"job_id", update.JobID,
		"percentage", update.Percentage,
		"reason", reason)
}

// Reporter returns a progress reporter bound to one job
func (s *Syncer) Reporter(jobID string) batch.ProgressReporter {
	return batch.ProgressFunc(func(_ context.Context, percent int) {
		s.Enqueue(job.ProgressUpdate{
			JobID:      jobID,
			Percentage: percent,
			At:         s.now(),
		})
	})
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Buffered = len(s.pending)
	return st
}

// GetConfig returns the syncer configuration
func (s *Syncer) GetConfig() Config {
	return s.config
}

// run drains the input channel until it is closed, flushing on size or time
func (s *Syncer) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-s.input:
			if !ok {
				s.logger.Debug("progress syncer input closed")
				return
			}
			if s.buffer(update) >= s.config.FlushThreshold {
				s.logFlush(s.flush())
			}
		case <-ticker.C:
			s.logFlush(s.flush())
		}
	}
}

// buffer coalesces an update into the pending set, latest report per job wins.
// Returns the number of jobs waiting to be written.
func (s *Syncer) buffer(update job.ProgressUpdate) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[update.JobID]; ok && prev.At.After(update.At) {
		return len(s.pending)
	}
	s.pending[update.JobID] = update
	return len(s.pending)
}

// flush writes everything pending in batches of FlushThreshold. Failed
// batches are discarded.
func (s *Syncer) flush() error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	updates := make([]job.ProgressUpdate, 0, len(s.pending))
	for _, u := range s.pending {
		updates = append(updates, u)
	}
	s.pending = make(map[string]job.ProgressUpdate)
	s.mu.Unlock()

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].JobID < updates[j].JobID
	})

	var merr *multierror.Error
	for start := 0; start < len(updates); start += s.config.FlushThreshold {
		end := min(start+s.config.FlushThreshold, len(updates))
		chunk := updates[start:end]

		ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
		err := s.writer.WriteProgress(ctx, chunk)
		cancel()

		s.recorder.RecordProgressWrite(err == nil)

		s.mu.Lock()
		if err != nil {
			s.stats.Failed += len(chunk)
		} else {
			s.stats.Written += len(chunk)
		}
		s.mu.Unlock()

		if err != nil {
			merr = multierror.Append(merr, failure.Persistence("job_progress", fmt.Sprintf("%s..%s", chunk[0].JobID, chunk[len(chunk)-1].JobID), err))
		}
	}

	return merr.ErrorOrNil()
}

func (s *Syncer) logFlush(err error) {
	if err != nil {
		s.logger.Error("failed to write job progress", "error", err)
	}
}

// Shutdown stops accepting updates, drains the channel and performs a final
// flush. Errors from the final flush are returned.
func (s *Syncer) Shutdown() error {
	s.logger.Info("starting syncer shutdown")

	s.inputMu.Lock()
	if s.closed {
		s.inputMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.input)
	s.inputMu.Unlock()

	s.logger.Debug("waiting for syncer goroutine to exit")
	s.wg.Wait()

	// Drain anything left if Start was never called
	for update := range s.input {
		s.buffer(update)
	}

	err := s.flush()
	if err != nil {
		s.logger.Warn("final progress flush failed", "error", err)
	}

	s.logger.Info("syncer shutdown complete")
	return err
}
