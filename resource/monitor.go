// Package resource provides admission control for a store shared across
// many callers: vector-count, memory, and search-concurrency quotas, plus a
// best-effort process memory sampler.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// ErrQuotaExceeded is returned when an operation would push a tracked
// resource past its configured limit.
var ErrQuotaExceeded = errors.New("resource quota exceeded")

// Limits holds the quotas enforced by a Monitor. A zero value means the
// corresponding resource is unlimited.
type Limits struct {
	// MaxVectors bounds the number of stored vectors.
	MaxVectors int64

	// MaxMemoryBytes bounds the tracked vector byte count.
	MaxMemoryBytes int64

	// MaxConcurrentSearches bounds in-flight searches.
	MaxConcurrentSearches int64

	// SampleInterval is the period of the process-memory sampling loop.
	// Zero disables sampling.
	SampleInterval time.Duration
}

// Options configures optional Monitor collaborators.
type Options struct {
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of the tracked counters.
type Stats struct {
	VectorCount        int64
	MemoryBytes        int64
	ConcurrentSearches int64
	ProcessHeapBytes   uint64
}

// Monitor tracks resource usage against Limits. A single mutex guards all
// counters, so increments and decrements are never lost under concurrency.
type Monitor struct {
	limits Limits
	logger *slog.Logger

	mu                 sync.Mutex
	vectorCount        int64
	memoryBytes        int64
	concurrentSearches int64
	processHeapBytes   uint64

	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor and, if a sample interval is configured,
// starts the background memory sampling loop.
func NewMonitor(limits Limits, optFns ...func(o *Options)) *Monitor {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Monitor{
		limits: limits,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}

	if limits.SampleInterval > 0 {
		go m.sampleLoop(limits.SampleInterval)
	}

	return m
}

// CheckVectorAdd reports whether count vectors totalling bytes can be
// admitted. It does not reserve anything; callers commit after the add
// succeeds.
func (m *Monitor) CheckVectorAdd(count int, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxVectors > 0 && m.vectorCount+int64(count) > m.limits.MaxVectors {
		return fmt.Errorf("%w: adding %d vectors exceeds max_vectors %d (current %d)",
			ErrQuotaExceeded, count, m.limits.MaxVectors, m.vectorCount)
	}
	if m.limits.MaxMemoryBytes > 0 && m.memoryBytes+bytes > m.limits.MaxMemoryBytes {
		return fmt.Errorf("%w: adding %d bytes exceeds memory quota %d (current %d)",
			ErrQuotaExceeded, bytes, m.limits.MaxMemoryBytes, m.memoryBytes)
	}

	return nil
}

// CommitVectors records count vectors totalling bytes as stored.
func (m *Monitor) CommitVectors(count int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectorCount += int64(count)
	m.memoryBytes += bytes
}

// ReleaseVectors records count vectors totalling bytes as removed.
func (m *Monitor) ReleaseVectors(count int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.vectorCount -= int64(count)
	if m.vectorCount < 0 {
		m.vectorCount = 0
	}
	m.memoryBytes -= bytes
	if m.memoryBytes < 0 {
		m.memoryBytes = 0
	}
}

// Reset zeroes the vector counters, e.g. after a store clear.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectorCount = 0
	m.memoryBytes = 0
}

// BeginSearch admits one search. On quota breach the counter is left
// untouched and ErrQuotaExceeded is returned.
func (m *Monitor) BeginSearch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxConcurrentSearches > 0 && m.concurrentSearches+1 > m.limits.MaxConcurrentSearches {
		return fmt.Errorf("%w: %d searches already in flight (limit %d)",
			ErrQuotaExceeded, m.concurrentSearches, m.limits.MaxConcurrentSearches)
	}

	m.concurrentSearches++
	return nil
}

// EndSearch releases one search slot.
func (m *Monitor) EndSearch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.concurrentSearches--
	if m.concurrentSearches < 0 {
		m.concurrentSearches = 0
	}
}

// Stats returns a snapshot of the tracked counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		VectorCount:        m.vectorCount,
		MemoryBytes:        m.memoryBytes,
		ConcurrentSearches: m.concurrentSearches,
		ProcessHeapBytes:   m.processHeapBytes,
	}
}

// sampleLoop refreshes process-level memory statistics. Sampling is
// best-effort telemetry: any panic is logged and the loop keeps running.
func (m *Monitor) sampleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("resource sample failed", slog.Any("panic", r))
		}
	}()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	m.processHeapBytes = ms.HeapAlloc
	m.mu.Unlock()

	m.logger.Debug("resource sample",
		slog.Uint64("heap_bytes", ms.HeapAlloc),
		slog.Int64("vector_count", m.Stats().VectorCount),
	)
}

// Close stops the sampling loop. The counters stay readable.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}
