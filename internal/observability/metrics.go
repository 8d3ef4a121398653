package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects dispatch, fallback and credit metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.DispatchCompleted("web.search", "edge", "success", time.Since(start))
type Metrics struct {
	// DispatchCounter counts dispatch requests.
	// Labels: operation, backend, outcome (success|error|fallback|rejected)
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures end-to-end dispatch latency in seconds.
	// Labels: operation, backend
	DispatchDuration *prometheus.HistogramVec

	// AttemptCounter counts backend attempts.
	// Labels: backend, code (ok or an error code)
	AttemptCounter *prometheus.CounterVec

	// FallbackCounter counts fallback orchestrations.
	// Labels: outcome (created|duplicate|error)
	FallbackCounter *prometheus.CounterVec

	// CreditCounter counts credit operations.
	// Labels: operation (authorize|deduct|refund|provision), outcome
	CreditCounter *prometheus.CounterVec

	// CreditAmount sums credits moved by operation.
	// Labels: operation
	CreditAmount *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgate_dispatches_total",
				Help: "Total number of dispatches by operation, backend and outcome",
			},
			[]string{"operation", "backend", "outcome"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskgate_dispatch_duration_seconds",
				Help:    "Duration of dispatches in seconds, retries included",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"operation", "backend"},
		),

		AttemptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgate_backend_attempts_total",
				Help: "Total number of backend attempts by backend and result code",
			},
			[]string{"backend", "code"},
		),

		FallbackCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgate_fallbacks_total",
				Help: "Total number of fallback orchestrations by outcome",
			},
			[]string{"outcome"},
		),

		CreditCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgate_credit_operations_total",
				Help: "Total number of credit ledger operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		CreditAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgate_credits_total",
				Help: "Total credits moved by ledger operation",
			},
			[]string{"operation"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskgate_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

// DispatchCompleted records the outcome and latency of one dispatch.
func (m *Metrics) DispatchCompleted(operation, backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchCounter.WithLabelValues(operation, backend, outcome).Inc()
	m.DispatchDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// Attempt records one backend attempt. code is "ok" on success.
func (m *Metrics) Attempt(backend, code string) {
	if m == nil {
		return
	}
	m.AttemptCounter.WithLabelValues(backend, code).Inc()
}

// Fallback records a fallback orchestration.
func (m *Metrics) Fallback(outcome string) {
	if m == nil {
		return
	}
	m.FallbackCounter.WithLabelValues(outcome).Inc()
}

// CreditOperation records a ledger operation. It satisfies ledger.Observer.
func (m *Metrics) CreditOperation(operation, outcome string, amount int64) {
	if m == nil {
		return
	}
	m.CreditCounter.WithLabelValues(operation, outcome).Inc()
	if outcome == "ok" && amount > 0 {
		m.CreditAmount.WithLabelValues(operation).Add(float64(amount))
	}
}

// HTTPRequest records an HTTP API request.
func (m *Metrics) HTTPRequest(method, route, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration.Seconds())
}
