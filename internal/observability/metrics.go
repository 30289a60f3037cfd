// Package observability provides Prometheus metrics for the ingestion
// pipeline. Every Metrics value owns its registry, so several pipelines
// (or tests) can run in one process.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cartograph"

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Counters
	RecordsReceived   *prometheus.CounterVec // by partition
	SchemaViolations  prometheus.Counter
	WindowOutcomes    *prometheus.CounterVec // by outcome
	Admissions        prometheus.Counter
	BatchesCommitted  prometheus.Counter
	RecordsWritten    *prometheus.CounterVec // by result: written, skipped
	BatchFailures     prometheus.Counter
	RecordsRejected   prometheus.Counter
	BatchRetries      prometheus.Counter
	StreamReconnects  *prometheus.CounterVec // by partition
	CheckpointErrors  prometheus.Counter
	PublishedRecords  *prometheus.CounterVec // by collector

	// Gauges
	CheckpointOffset *prometheus.GaugeVec // by partition
	WindowKeys       prometheus.Gauge
	WindowOpen       prometheus.Gauge
	WindowPending    prometheus.Gauge

	// Histograms
	BatchSize     prometheus.Histogram
	ApplyDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a metrics instance registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RecordsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_received_total",
		Help:      "Stream messages received, by partition",
	}, []string{"partition"})

	m.SchemaViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schema_violations_total",
		Help:      "Messages that failed to decode or validate",
	})

	m.WindowOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "window_outcomes_total",
		Help:      "Dedup window offer outcomes",
	}, []string{"outcome"}) // opened, merged, superseded, duplicate, stale

	m.Admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Records admitted downstream by the dedup window",
	})

	m.BatchesCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_committed_total",
		Help:      "Upsert batches committed to the graph store",
	})

	m.RecordsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_applied_total",
		Help:      "Records applied in committed batches, by result",
	}, []string{"result"})

	m.BatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_apply_failures_total",
		Help:      "Batches that exhausted their retries",
	})

	m.RecordsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_rejected_total",
		Help:      "Records permanently rejected by the graph store",
	})

	m.BatchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_retries_total",
		Help:      "Batch apply attempts retried after a transient failure",
	})

	m.StreamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Partition reader reconnects after transport errors",
	}, []string{"partition"})

	m.CheckpointErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoint_write_failures_total",
		Help:      "Failed checkpoint store writes",
	})

	m.PublishedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_records_total",
		Help:      "Records published by collectors",
	}, []string{"collector"})

	m.CheckpointOffset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkpoint_offset",
		Help:      "Last persisted checkpoint offset, by partition",
	}, []string{"partition"})

	m.WindowKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "window_keys",
		Help:      "Entity keys tracked by the dedup window",
	})

	m.WindowOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "window_open",
		Help:      "Dedup windows currently open",
	})

	m.WindowPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "window_pending",
		Help:      "Candidates buffered in the dedup window",
	})

	m.BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_size",
		Help:      "Records per committed batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	m.ApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_apply_duration_seconds",
		Help:      "Graph store apply latency per attempt",
		Buckets:   prometheus.DefBuckets,
	})

	m.registry.MustRegister(
		m.RecordsReceived,
		m.SchemaViolations,
		m.WindowOutcomes,
		m.Admissions,
		m.BatchesCommitted,
		m.RecordsWritten,
		m.BatchFailures,
		m.RecordsRejected,
		m.BatchRetries,
		m.StreamReconnects,
		m.CheckpointErrors,
		m.PublishedRecords,
		m.CheckpointOffset,
		m.WindowKeys,
		m.WindowOpen,
		m.WindowPending,
		m.BatchSize,
		m.ApplyDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
