// Package corekit holds the small set of contracts shared by every package
// in the orchestrator: structured logging, telemetry, and the error
// vocabulary used to classify failures per the Transient/Permanent/
// PolicyViolation/BudgetExceeded taxonomy.
package corekit

import "context"

// Logger is the structured logging contract every component accepts.
// Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a shared logger be tagged with a fixed
// component name regardless of which caller holds the reference, so log
// lines can be filtered by component in aggregate:
//
//	jq 'select(.component == "orchestrator/governor")'
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the safe zero-value default
// injected into any component that isn't given an explicit logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

// Telemetry is the optional tracing/metrics contract. Every component that
// accepts one must nil-check before use and fall back to NoOpTelemetry.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents an in-flight trace span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpTelemetry discards every span and metric.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

type noopSpan struct{}

func (noopSpan) End()                               {}
func (noopSpan) SetAttribute(string, interface{})   {}
func (noopSpan) RecordError(error)                  {}
