// Package metrics provides Prometheus metrics for tdbridge runs.
//
// All collectors are registered on Registry rather than the global default
// registry, so a finished run can push exactly its own series to a
// Pushgateway.
//
// # Basic Usage
//
//	timer := metrics.NewTimer(metrics.StageLoad)
//	n, err := loader.BulkLoad(ctx, dest, table, rows)
//	timer.ObserveDuration(err)
//	metrics.RowsProcessed.WithLabelValues(metrics.StageLoad).Add(float64(n))
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Stage names used as label values.
const (
	StageConnect = "connect"
	StageExtract = "extract"
	StagePreOp   = "pre_operator"
	StageLoad    = "load"
	StagePostOp  = "post_operator"
	StageDump    = "dump"
)

// Registry holds every tdbridge collector.
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	// RowsProcessed counts rows per stage.
	// Labels: stage (extract, load, dump)
	RowsProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tdbridge_rows_total",
			Help: "Rows processed per stage",
		},
		[]string{"stage"},
	)

	// StageDuration tracks how long each stage takes in seconds.
	// Labels: stage, status (success/failure)
	StageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tdbridge_stage_duration_seconds",
			Help: "Duration of run stages in seconds",
			Buckets: []float64{
				0.1, // fast statements
				1,
				5, // one poll interval
				30,
				120,
				600, // long engine jobs
				3600,
			},
		},
		[]string{"stage", "status"},
	)

	// Runs counts finished runs.
	// Labels: command (transfer, dump, query), status (success/failure)
	Runs = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tdbridge_runs_total",
			Help: "Finished runs",
		},
		[]string{"command", "status"},
	)

	// Throughput is the rows per second of the last completed stage.
	Throughput = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tdbridge_throughput_rows_per_second",
			Help: "Rows per second of the last completed stage",
		},
		[]string{"stage"},
	)

	// LastRunTimestamp is when the last run finished, in unix seconds.
	LastRunTimestamp = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tdbridge_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
		[]string{"command", "status"},
	)
)

// Status returns the status label for err.
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Timer measures one stage.
type Timer struct {
	start time.Time
	stage string
}

// NewTimer starts timing stage.
func NewTimer(stage string) *Timer {
	return &Timer{start: time.Now(), stage: stage}
}

// Stop returns the time elapsed since the timer started.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time under the status of err and
// returns it.
func (t *Timer) ObserveDuration(err error) time.Duration {
	d := t.Stop()
	StageDuration.WithLabelValues(t.stage, Status(err)).Observe(d.Seconds())
	return d
}

// ThroughputTracker counts rows for one stage and publishes the rate.
type ThroughputTracker struct {
	mu    sync.Mutex
	count int64
	start time.Time
	stage string
}

// NewThroughputTracker starts tracking stage.
func NewThroughputTracker(stage string) *ThroughputTracker {
	return &ThroughputTracker{start: time.Now(), stage: stage}
}

// Add counts n more rows.
func (t *ThroughputTracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
	RowsProcessed.WithLabelValues(t.stage).Add(float64(n))
}

// Finish publishes and returns the rows per second since the tracker started.
func (t *ThroughputTracker) Finish() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(t.count) / elapsed
	Throughput.WithLabelValues(t.stage).Set(rate)
	return rate
}

// RecordRun counts a finished run.
func RecordRun(command string, err error) {
	status := Status(err)
	Runs.WithLabelValues(command, status).Inc()
	LastRunTimestamp.WithLabelValues(command, status).SetToCurrentTime()
}

// Push sends Registry to a Pushgateway, grouped by run id.
func Push(ctx context.Context, url, job, runID string) error {
	p := push.New(url, job).Gatherer(Registry)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	return p.PushContext(ctx)
}
