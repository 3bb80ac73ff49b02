// Package metrics records pipeline activity as Prometheus metrics.
//
// The flattener is a batch command, so nothing is served over HTTP. The
// collected values are written once at the end of a run in the text
// exposition format, ready for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonMunkholm/flattener/internal/core"
)

// Collector implements core.Observer on a private registry. Prometheus
// metric types are safe for concurrent use, so one Collector can observe
// every shard of a run.
type Collector struct {
	registry *prometheus.Registry

	records   *prometheus.CounterVec
	rows      *prometheus.CounterVec
	drifts    *prometheus.CounterVec
	failures  *prometheus.CounterVec
	chunkTime prometheus.Histogram
	chunkSize prometheus.Histogram
}

var _ core.Observer = (*Collector)(nil)

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flattener_records_total",
			Help: "Records read, by outcome",
		}, []string{"outcome"}),

		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flattener_rows_total",
			Help: "Rows delivered to the sink, by table",
		}, []string{"table"}),

		drifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flattener_schema_drift_total",
			Help: "Batches that introduced new columns, by table",
		}, []string{"table"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flattener_failures_total",
			Help: "Failures seen by the recovery controller, by kind and decision",
		}, []string{"kind", "decision"}),

		chunkTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flattener_chunk_flush_duration_seconds",
			Help:    "Time to deliver one chunk to the sink",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		chunkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flattener_chunk_records",
			Help:    "Records per flushed chunk",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	registry.MustRegister(c.records, c.rows, c.drifts, c.failures, c.chunkTime, c.chunkSize)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordProcessed(skipped bool) {
	outcome := "flattened"
	if skipped {
		outcome = "skipped"
	}
	c.records.WithLabelValues(outcome).Inc()
}

func (c *Collector) RowsEmitted(table string, n int) {
	c.rows.WithLabelValues(table).Add(float64(n))
}

func (c *Collector) SchemaDrift(table string) {
	c.drifts.WithLabelValues(table).Inc()
}

func (c *Collector) FailureResolved(kind core.FailureKind, d core.Decision) {
	c.failures.WithLabelValues(string(kind), string(d)).Inc()
}

func (c *Collector) ChunkFlushed(records int, elapsed time.Duration) {
	c.chunkTime.Observe(elapsed.Seconds())
	c.chunkSize.Observe(float64(records))
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
