package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards all log records.
	NoopLogger struct{}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}

	// NoopTracer creates no-op spans.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger constructs a Logger that discards everything.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer constructs a Tracer whose spans do nothing.
func NewNoopTracer() Tracer { return NoopTracer{} }

// Debug discards the log record.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log record.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log record.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log record.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the counter.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the gauge.
func (NoopMetrics) RecordGauge(string, float64, ...string) {}

// Start returns a no-op span without deriving a new context.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

// Span returns a no-op span.
func (NoopTracer) Span(context.Context) Span { return noopSpan{} }

func (noopSpan) End(...trace.SpanEndOption)           {}
func (noopSpan) AddEvent(string, ...any)              {}
func (noopSpan) SetStatus(codes.Code, string)         {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
