// Package metrics exposes Prometheus instrumentation for dataset
// preparation and record iteration.
//
// # Basic Usage
//
//	metrics.RecordsEmitted.WithLabelValues("line_json").Inc()
//
//	timer := metrics.NewTimer()
//	err := prepare()
//	metrics.PrepareDuration.WithLabelValues(metrics.Outcome(err)).Observe(timer.Stop().Seconds())
//
// All collectors register with the default Prometheus registry, so a
// promhttp.Handler serves them without further wiring.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pass outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeAbandoned = "abandoned"
	OutcomeFailed    = "failed"
	OutcomeSuccess   = "success"
)

var (
	// RecordsEmitted counts records yielded to callers.
	// Labels: type (columnar, delimited_text, line_json)
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hfdataset_records_emitted_total",
			Help: "Total number of records yielded by iteration passes",
		},
		[]string{"type"},
	)

	// FilesOpened counts dataset files opened by the dispatcher.
	// Labels: type, compressed (true/false)
	FilesOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hfdataset_files_opened_total",
			Help: "Total number of dataset files opened",
		},
		[]string{"type", "compressed"},
	)

	// MalformedSkipped counts lines skipped because they failed to parse.
	MalformedSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hfdataset_malformed_lines_skipped_total",
			Help: "Total number of malformed lines skipped",
		},
		[]string{"type"},
	)

	// Passes counts iteration passes by how they ended.
	// Labels: outcome (completed, abandoned, failed)
	Passes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hfdataset_passes_total",
			Help: "Total number of iteration passes",
		},
		[]string{"outcome"},
	)

	// PrepareDuration observes session preparation latency in seconds.
	// Labels: outcome (success, failed)
	PrepareDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hfdataset_prepare_duration_seconds",
			Help:    "Session preparation latency in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"outcome"},
	)

	// FetchRetries counts snapshot fetches retried after a range failure.
	FetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hfdataset_fetch_retries_total",
			Help: "Total number of snapshot fetch retries",
		},
	)

	// Throughput reports the most recent records-per-second sample.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hfdataset_throughput_records_per_second",
			Help: "Current throughput in records per second",
		},
		[]string{"dataset"},
	)
)

// Outcome maps an error to the success/failed label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}

// Timer measures the time elapsed since it was created.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration. It may be called more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker accumulates a record count and converts it to a rate
// on demand. Thread-safe.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	total     int64
	lastReset time.Time
	dataset   string
}

// NewThroughputTracker creates a tracker labelled with dataset.
func NewThroughputTracker(dataset string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		dataset:   dataset,
	}
}

// Increment adds n records.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	t.count += n
	t.total += n
	t.mu.Unlock()
}

// Total returns every record counted since creation.
func (t *ThroughputTracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// GetAndReset returns records per second since the previous call, updates
// the Throughput gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastReset).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(t.count) / elapsed
	}
	Throughput.WithLabelValues(t.dataset).Set(rate)

	t.count = 0
	t.lastReset = now
	return rate
}
