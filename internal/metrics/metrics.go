// ============================================================================
// compile-asm Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes compile pipeline metrics
//
// Metrics:
//
//   1. Counters:
//      - compileasm_jobs_started_total: processes spawned
//      - compileasm_jobs_superseded_total: running jobs terminated by a newer
//        compile of the same target
//      - compileasm_spawn_failures_total: compiles whose process never started
//      - compileasm_jobs_finished_total{status}: completed / cancelled
//      - compileasm_bytes_piped_total: bytes written to compiler stdin
//      - compileasm_bytes_read_total: bytes read from compiler output
//      - compileasm_fragments_delivered_total: fragments queued to sinks
//      - compileasm_codec_errors_total{direction}: encode / decode failures
//
//   2. Histogram:
//      - compileasm_job_duration_seconds: spawn to process exit
//
//   3. Gauge:
//      - compileasm_jobs_active: jobs whose process is alive
//
// A nil *Collector is valid; every method is then a no-op, so the pipeline
// runs the same with metrics disabled.
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the pipeline metrics.
type Collector struct {
	jobsStarted    prometheus.Counter
	jobsSuperseded prometheus.Counter
	spawnFailures  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	bytesPiped     prometheus.Counter
	bytesRead      prometheus.Counter
	fragments      prometheus.Counter
	codecErrors    *prometheus.CounterVec

	jobDuration prometheus.Histogram
	jobsActive  prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg
// (prometheus.DefaultRegisterer when nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileasm_jobs_started_total",
			Help: "Total number of compiler processes spawned",
		}),
		jobsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileasm_jobs_superseded_total",
			Help: "Total number of running jobs terminated by a newer compile of the same target",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileasm_spawn_failures_total",
			Help: "Total number of compiles whose process could not be spawned",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compileasm_jobs_finished_total",
			Help: "Total number of finished jobs by terminal status",
		}, []string{"status"}),
		bytesPiped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileasm_bytes_piped_total",
			Help: "Total bytes written to compiler stdin",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileasm_bytes_read_total",
			Help: "Total bytes read from compiler output",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileasm_fragments_delivered_total",
			Help: "Total text fragments delivered to output sinks",
		}),
		codecErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compileasm_codec_errors_total",
			Help: "Total encode/decode failures",
		}, []string{"direction"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "compileasm_job_duration_seconds",
			Help:    "Time from spawn to process exit in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compileasm_jobs_active",
			Help: "Current number of jobs with a live process",
		}),
	}

	reg.MustRegister(
		c.jobsStarted,
		c.jobsSuperseded,
		c.spawnFailures,
		c.jobsFinished,
		c.bytesPiped,
		c.bytesRead,
		c.fragments,
		c.codecErrors,
		c.jobDuration,
		c.jobsActive,
	)

	return c
}

// RecordStarted counts a spawned process.
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
	c.jobsActive.Inc()
}

// RecordSuperseded counts a running job terminated by a newer one.
func (c *Collector) RecordSuperseded() {
	if c == nil {
		return
	}
	c.jobsSuperseded.Inc()
}

// RecordSpawnFailure counts a process that never started.
func (c *Collector) RecordSpawnFailure() {
	if c == nil {
		return
	}
	c.spawnFailures.Inc()
}

// RecordFinished records a terminal job.
func (c *Collector) RecordFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(status).Inc()
	c.jobDuration.Observe(duration.Seconds())
	c.jobsActive.Dec()
}

// RecordWriter records the stdin side of a job.
func (c *Collector) RecordWriter(bytes int, encodeFailed bool) {
	if c == nil {
		return
	}
	c.bytesPiped.Add(float64(bytes))
	if encodeFailed {
		c.codecErrors.WithLabelValues("encode").Inc()
	}
}

// RecordReader records the output side of a job.
func (c *Collector) RecordReader(bytes, fragments int, decodeFailed bool) {
	if c == nil {
		return
	}
	c.bytesRead.Add(float64(bytes))
	c.fragments.Add(float64(fragments))
	if decodeFailed {
		c.codecErrors.WithLabelValues("decode").Inc()
	}
}
