// Package stats records operational metrics for the sync engine.
package stats

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Recorder receives engine events. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordPair(strategy string, success bool, duration time.Duration)
	RecordBatch(strategy string, totalPairs, failedPairs int, duration time.Duration)
	RecordScheduleRun(outcome string)
	RecordJobTransition(jobType, status string)
	RecordProgressWrite(success bool)
	RecordIngestChunk(success bool, items int)
	RecordThrottled(priority string)
}

// NoopRecorder discards everything
type NoopRecorder struct{}

func (NoopRecorder) RecordPair(string, bool, time.Duration)      {}
func (NoopRecorder) RecordBatch(string, int, int, time.Duration) {}
func (NoopRecorder) RecordScheduleRun(string)                    {}
func (NoopRecorder) RecordJobTransition(string, string)          {}
func (NoopRecorder) RecordProgressWrite(bool)                    {}
func (NoopRecorder) RecordIngestChunk(bool, int)                 {}
func (NoopRecorder) RecordThrottled(string)                      {}

// PrometheusRecorder exports engine events as Prometheus metrics on its own registry
type PrometheusRecorder struct {
	registry *prometheus.Registry

	pairTotal      *prometheus.CounterVec
	pairDuration   *prometheus.HistogramVec
	batchDuration  *prometheus.HistogramVec
	batchPairs     *prometheus.CounterVec
	scheduleRuns   *prometheus.CounterVec
	jobTransitions *prometheus.CounterVec
	progressWrites *prometheus.CounterVec
	ingestChunks   *prometheus.CounterVec
	ingestItems    prometheus.Counter
	throttled      *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with Go and process collectors registered
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		pairTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksync_pair_executions_total",
			Help: "Store/vendor pair executions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		pairDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stocksync_pair_duration_seconds",
			Help:    "Duration of a single store/vendor pair execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stocksync_batch_duration_seconds",
			Help:    "Duration of a whole batch of pairs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"strategy"}),
		batchPairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksync_batch_pairs_total",
			Help: "Pairs processed by batches, split into total and failed.",
		}, []string{"strategy", "kind"}),
		scheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksync_schedule_runs_total",
			Help: "Scheduled run invocations by outcome.",
		}, []string{"outcome"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksync_job_transitions_total",
			Help: "Job record status transitions.",
		}, []string{"type", "status"}),
		progressWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksync_progress_writes_total",
			Help: "Best-effort job progress writes by outcome.",
		}, []string{"outcome"}),
		ingestChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksync_ingest_chunks_total",
			Help: "SKU ingestion chunks by outcome.",
		}, []string{"outcome"}),
		ingestItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stocksync_ingest_items_total",
			Help: "SKU records written by ingestion chunks that succeeded.",
		}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stocksync_jobs_throttled_total",
			Help: "Jobs held back by the throttling policy.",
		}, []string{"priority"}),
	}

	registry.MustRegister(
		r.pairTotal,
		r.pairDuration,
		r.batchDuration,
		r.batchPairs,
		r.scheduleRuns,
		r.jobTransitions,
		r.progressWrites,
		r.ingestChunks,
		r.ingestItems,
		r.throttled,
	)

	return r
}

// Registry returns the underlying registry
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

func (r *PrometheusRecorder) RecordPair(strategy string, success bool, duration time.Duration) {
	r.pairTotal.WithLabelValues(strategy, outcome(success)).Inc()
	r.pairDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordBatch(strategy string, totalPairs, failedPairs int, duration time.Duration) {
	r.batchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	r.batchPairs.WithLabelValues(strategy, "total").Add(float64(totalPairs))
	r.batchPairs.WithLabelValues(strategy, "failed").Add(float64(failedPairs))
}

func (r *PrometheusRecorder) RecordScheduleRun(result string) {
	r.scheduleRuns.WithLabelValues(result).Inc()
}

func (r *PrometheusRecorder) RecordJobTransition(jobType, status string) {
	r.jobTransitions.WithLabelValues(jobType, status).Inc()
}

func (r *PrometheusRecorder) RecordProgressWrite(success bool) {
	r.progressWrites.WithLabelValues(outcome(success)).Inc()
}

func (r *PrometheusRecorder) RecordIngestChunk(success bool, items int) {
	r.ingestChunks.WithLabelValues(outcome(success)).Inc()
	if success {
		r.ingestItems.Add(float64(items))
	}
}

func (r *PrometheusRecorder) RecordThrottled(priority string) {
	r.throttled.WithLabelValues(priority).Inc()
}

// ListenAddr joins an address and port for the metrics server
func ListenAddr(address string, port int) string {
	return address + ":" + strconv.Itoa(port)
}

var (
	_ Recorder = NoopRecorder{}
	_ Recorder = (*PrometheusRecorder)(nil)
)
