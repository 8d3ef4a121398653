// Package observability wires the service's metrics, structured logging and
// distributed tracing.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registerer. They count dispatches and backend attempts by operation,
// backend and outcome, fallbacks by outcome, and credit operations.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts bearer tokens, JWTs,
// API keys and attributes with sensitive names before they are written.
//
// # Tracing
//
// NewTracer configures an OpenTelemetry tracer exporting over OTLP/gRPC.
// With no endpoint configured it returns a no-op tracer so callers never
// nil-check.
package observability
