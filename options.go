package embedstore

import (
	"log/slog"

	"github.com/mediasense/embedstore/resource"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	monitor          *resource.Monitor
}

// Option configures Store construction.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithResourceMonitor injects a shared resource monitor, e.g. one quota
// pool spanning several stores. The store does not close an injected
// monitor; the caller owns its lifecycle.
func WithResourceMonitor(m *resource.Monitor) Option {
	return func(o *options) {
		o.monitor = m
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
