package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mcpgate/mcpgate/internal/service"
)

// Metrics holds all Prometheus metrics for mcpgate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ToolCallsTotal   *prometheus.CounterVec
	PolicyDenials    prometheus.Counter
	AgentSessions    prometheus.Gauge
	UpstreamSessions prometheus.GaugeFunc
}

// NewMetrics creates and registers all metrics with the given registry.
// upstreamLen samples the live upstream session count on scrape.
func NewMetrics(reg prometheus.Registerer, upstreamLen func() int) *Metrics {
	if upstreamLen == nil {
		upstreamLen = func() int { return 0 }
	}
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"path", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpgate",
				Name:      "tool_calls_total",
				Help:      "Total tool invocations forwarded upstream",
			},
			[]string{"service", "tool", "status"},
		),
		PolicyDenials: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcpgate",
				Name:      "policy_denials_total",
				Help:      "Total tool calls denied by policy",
			},
		),
		AgentSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpgate",
				Name:      "agent_sessions",
				Help:      "Number of live streaming agent sessions",
			},
		),
		UpstreamSessions: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "mcpgate",
				Name:      "upstream_sessions",
				Help:      "Number of live upstream MCP sessions",
			},
			func() float64 { return float64(upstreamLen()) },
		),
	}
}

// ToolCall records one forwarded tool-call outcome.
func (m *Metrics) ToolCall(service, tool, status string) {
	m.ToolCallsTotal.WithLabelValues(service, tool, status).Inc()
}

// PolicyDenied records one policy denial.
func (m *Metrics) PolicyDenied() {
	m.PolicyDenials.Inc()
}

// Compile-time check that Metrics satisfies the dispatcher's observer.
var _ service.CallObserver = (*Metrics)(nil)
