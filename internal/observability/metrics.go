// Package observability defines the Prometheus metrics exported on /metrics.
// All recording methods are safe on a nil *Metrics, which records nothing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "punypage"

type Metrics struct {
	// HTTPRequestsTotal counts requests by method, route pattern and status.
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestDuration excludes long-lived stream and socket routes.
	HTTPRequestDuration *prometheus.HistogramVec

	// ChatTurnsTotal counts agent turns. Labels: transport (sse, ws), status.
	ChatTurnsTotal   *prometheus.CounterVec
	ChatTurnDuration *prometheus.HistogramVec
	ActiveWebSockets prometheus.Gauge
	ToolCallsTotal   *prometheus.CounterVec

	// IngestDocumentsTotal counts pipeline outcomes (processed, failed, skipped).
	IngestDocumentsTotal *prometheus.CounterVec
	IngestRunDuration    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers every metric with reg. Pass prometheus.NewRegistry()
// in tests to avoid clashing with the default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ChatTurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "turns_total",
				Help:      "Agent chat turns by transport and outcome",
			},
			[]string{"transport", "status"},
		),
		ChatTurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "turn_duration_seconds",
				Help:      "Agent chat turn duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"transport"},
		),
		ActiveWebSockets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "active_websockets",
				Help:      "Open chat WebSocket connections",
			},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "agent",
				Name:      "tool_calls_total",
				Help:      "Agent tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		IngestDocumentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "rag",
				Name:      "ingest_documents_total",
				Help:      "Documents handled by the ingestion pipeline by outcome",
			},
			[]string{"outcome"},
		),
		IngestRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "rag",
				Name:      "ingest_run_duration_seconds",
				Help:      "Duration of one ingestion pipeline run",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration, timed bool) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	if timed {
		m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveTurn(transport, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ChatTurnsTotal.WithLabelValues(transport, status).Inc()
	m.ChatTurnDuration.WithLabelValues(transport).Observe(d.Seconds())
}

func (m *Metrics) SocketOpened() {
	if m != nil {
		m.ActiveWebSockets.Inc()
	}
}

func (m *Metrics) SocketClosed() {
	if m != nil {
		m.ActiveWebSockets.Dec()
	}
}

func (m *Metrics) ToolCall(tool string, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) IngestOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IngestDocumentsTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) IngestRun(d time.Duration) {
	if m != nil {
		m.IngestRunDuration.Observe(d.Seconds())
	}
}
