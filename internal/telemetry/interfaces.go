package telemetry

import (
	"log"

	"lockstepd/logging"
)

// Logger exposes the logging capabilities required by session components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// StandardLogger exposes the wrapped logger for code that needs a *log.Logger.
func (l *loggerAdapter) StandardLogger() *log.Logger {
	return l.logger
}

// Metrics exposes the telemetry methods required by session components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// WrapMetrics adapts the logging router metrics into the Metrics interface.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return &metricsAdapter{metrics: metrics}
}

type metricsAdapter struct {
	metrics *logging.Metrics
}

func (m *metricsAdapter) Add(key string, delta uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryAdd(key, delta)
}

func (m *metricsAdapter) Store(key string, value uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryStore(key, value)
}

// Discard returns a logger that drops every line.
func Discard() Logger {
	return LoggerFunc(func(string, ...any) {})
}

// Or returns logger unless it is nil, in which case it wraps the standard
// library default logger.
func Or(logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return WrapLogger(log.Default())
}

// Prefixed prepends prefix to every line written through logger.
func Prefixed(logger Logger, prefix string) Logger {
	base := Or(logger)
	return LoggerFunc(func(format string, args ...any) {
		base.Printf(prefix+format, args...)
	})
}

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)   {}
func (nopMetrics) Store(string, uint64) {}

// NopMetrics returns a Metrics implementation that drops every sample.
func NopMetrics() Metrics {
	return nopMetrics{}
}
