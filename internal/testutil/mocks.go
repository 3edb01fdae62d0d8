package testutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/job"
)

// MockProgressWriter records progress writes for testing
type MockProgressWriter struct {
	mu         sync.Mutex
	batches    [][]job.ProgressUpdate
	writeError error
}

func NewMockProgressWriter() *MockProgressWriter {
	return &MockProgressWriter{
		batches: make([][]job.ProgressUpdate, 0),
	}
}

func (m *MockProgressWriter) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

func (m *MockProgressWriter) WriteProgress(_ context.Context, updates []job.ProgressUpdate) error {
	m.mu.Lock()
	err := m.writeError
	m.mu.Unlock()

	if err != nil {
		return err
	}

	batch := make([]job.ProgressUpdate, len(updates))
	copy(batch, updates)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	return nil
}

// Batches returns every successful write in order
func (m *MockProgressWriter) Batches() [][]job.ProgressUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([][]job.ProgressUpdate, len(m.batches))
	copy(result, m.batches)
	return result
}

// CountWritten returns the number of updates written across all batches
func (m *MockProgressWriter) CountWritten() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

// Latest returns the last written percentage for a job
func (m *MockProgressWriter) Latest(jobID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.batches) - 1; i >= 0; i-- {
		for _, u := range m.batches[i] {
			if u.JobID == jobID {
				return u.Percentage, true
			}
		}
	}
	return 0, false
}

// MemoryJobStore is an in-memory job.Store. Records are copied on the way
// in and out so tests observe persisted state only.
type MemoryJobStore struct {
	mu        sync.Mutex
	records   map[string]job.Record
	saveError error
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		records: make(map[string]job.Record),
	}
}

func (m *MemoryJobStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MemoryJobStore) LoadJob(_ context.Context, id string) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *MemoryJobStore) SaveJob(_ context.Context, rec *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveError != nil {
		return m.saveError
	}
	m.records[rec.ID] = *cloneRecord(*rec)
	return nil
}

func (m *MemoryJobStore) FindUnfinished(_ context.Context, queue string, jobType job.Type) ([]*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*job.Record, 0)
	for _, rec := range m.records {
		if rec.Queue == queue && rec.Type == jobType && !rec.Status.Terminal() {
			result = append(result, cloneRecord(rec))
		}
	}
	return result, nil
}

// All returns every stored record
func (m *MemoryJobStore) All() []*job.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*job.Record, 0, len(m.records))
	for _, rec := range m.records {
		result = append(result, cloneRecord(rec))
	}
	return result
}

func cloneRecord(rec job.Record) *job.Record {
	out := rec
	out.Errors = append([]job.AttemptError(nil), rec.Errors...)
	out.Result = append([]byte(nil), rec.Result...)
	out.Payload = append([]byte(nil), rec.Payload...)
	return &out
}

// ErrNotFound is returned by the in-memory stores for unknown ids
var ErrNotFound = errors.New("testutil: not found")

// RecordingReporter captures progress reports
type RecordingReporter struct {
	mu      sync.Mutex
	reports []int
}

func (r *RecordingReporter) Report(_ context.Context, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, percent)
}

// Reports returns every report in arrival order
func (r *RecordingReporter) Reports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]int, len(r.reports))
	copy(result, r.reports)
	return result
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
	}

	l.entries = append(l.entries, entry)
}

// HasMessage reports whether an entry with the given level and message was logged
func (l *TestLogger) HasMessage(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == level && entry.Message == msg {
			return true
		}
	}
	return false
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
	groups []string
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	msg := r.Message

	// Collect all attributes
	fields := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	// Add handler-level attributes
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(level, msg, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *testLogHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &testLogHandler{
		logger: h.logger,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				t.Errorf("timeout waiting for condition: %v", msgAndArgs)
				return false
			}
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
