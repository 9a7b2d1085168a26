// Package telemetry exports store operation metrics to Prometheus.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediasense/embedstore"
)

// Compile-time check against the collector contract.
var _ embedstore.MetricsCollector = (*Collector)(nil)

// Options configures the Prometheus collector.
type Options struct {
	// Namespace prefixes every metric name. Defaults to "embedstore".
	Namespace string

	// ConstLabels are attached to every metric, e.g. a store name.
	ConstLabels prometheus.Labels
}

// Collector implements embedstore.MetricsCollector on Prometheus
// primitives. Pass it to a store via embedstore.WithMetricsCollector.
type Collector struct {
	ops       *prometheus.CounterVec
	opErrors  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	batchSize prometheus.Histogram
	searchK   prometheus.Histogram
}

// NewCollector creates a collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer, optFns ...func(o *Options)) (*Collector, error) {
	opts := Options{Namespace: "embedstore"}
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Collector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "operations_total",
			Help:        "Store operations by type.",
			ConstLabels: opts.ConstLabels,
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "operation_errors_total",
			Help:        "Failed store operations by type.",
			ConstLabels: opts.ConstLabels,
		}, []string{"op"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "operation_duration_seconds",
			Help:        "Store operation latency by type.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"op"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "batch_add_size",
			Help:        "Embeddings per batch add.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}),
		searchK: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "search_k",
			Help:        "Neighbors requested per search.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	for _, col := range []prometheus.Collector{c.ops, c.opErrors, c.durations, c.batchSize, c.searchK} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Collector) record(op string, duration time.Duration, err error) {
	c.ops.WithLabelValues(op).Inc()
	c.durations.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		c.opErrors.WithLabelValues(op).Inc()
	}
}

// RecordAdd implements embedstore.MetricsCollector.
func (c *Collector) RecordAdd(duration time.Duration, err error) {
	c.record("add", duration, err)
}

// RecordBatchAdd implements embedstore.MetricsCollector.
func (c *Collector) RecordBatchAdd(count int, duration time.Duration, err error) {
	c.record("batch_add", duration, err)
	c.batchSize.Observe(float64(count))
}

// RecordSearch implements embedstore.MetricsCollector.
func (c *Collector) RecordSearch(k int, duration time.Duration, err error) {
	c.record("search", duration, err)
	c.searchK.Observe(float64(k))
}

// RecordDelete implements embedstore.MetricsCollector.
func (c *Collector) RecordDelete(duration time.Duration, err error) {
	c.record("delete", duration, err)
}

// RecordSave implements embedstore.MetricsCollector.
func (c *Collector) RecordSave(duration time.Duration, err error) {
	c.record("save", duration, err)
}
