package embedstore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// telemetry package provides a Prometheus-backed implementation.
type MetricsCollector interface {
	// RecordAdd is called after each single add.
	RecordAdd(duration time.Duration, err error)

	// RecordBatchAdd is called after each batch add. count is the number
	// of embeddings attempted.
	RecordBatchAdd(count int, duration time.Duration, err error)

	// RecordSearch is called after each search. k is the number of
	// neighbors requested.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is called after each delete.
	RecordDelete(duration time.Duration, err error)

	// RecordSave is called after each explicit or automatic save.
	RecordSave(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)           {}
func (NoopMetricsCollector) RecordBatchAdd(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)        {}
func (NoopMetricsCollector) RecordSave(time.Duration, error)          {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	AddCount       atomic.Int64
	AddErrors      atomic.Int64
	AddTotalNanos  atomic.Int64
	BatchAddCount  atomic.Int64
	BatchAddItems  atomic.Int64
	BatchAddErrors atomic.Int64
	SearchCount    atomic.Int64
	SearchErrors   atomic.Int64
	SearchNanos    atomic.Int64
	DeleteCount    atomic.Int64
	DeleteErrors   atomic.Int64
	SaveCount      atomic.Int64
	SaveErrors     atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordBatchAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchAdd(count int, duration time.Duration, err error) {
	b.BatchAddCount.Add(1)
	b.BatchAddItems.Add(int64(count))
	if err != nil {
		b.BatchAddErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSave implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSave(duration time.Duration, err error) {
	b.SaveCount.Add(1)
	if err != nil {
		b.SaveErrors.Add(1)
	}
}
