package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the intercom orchestrator.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	sessionsCreatedTotal prometheus.Counter
	sessionsExpiredTotal prometheus.Counter
	bridgeFailuresTotal  prometheus.Counter
	activeSessions       prometheus.Gauge
	healthyBridges       prometheus.Gauge
	errorsTotal          prometheus.Counter
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intercom_requests_total",
		Help: "Total number of HTTP requests received",
	})
	sessionsCreatedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intercom_sessions_created_total",
		Help: "Total number of sessions established",
	})
	sessionsExpiredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intercom_sessions_expired_total",
		Help: "Total number of sessions expired or deleted",
	})
	bridgeFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intercom_bridge_failures_total",
		Help: "Total number of failed bridge control calls",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "intercom_active_sessions",
		Help: "Number of sessions that have not expired",
	})
	healthyBridges := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "intercom_healthy_bridges",
		Help: "Number of bridge instances not currently unhealthy",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intercom_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		sessionsCreatedTotal,
		sessionsExpiredTotal,
		bridgeFailuresTotal,
		activeSessions,
		healthyBridges,
		errorsTotal,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		sessionsCreatedTotal: sessionsCreatedTotal,
		sessionsExpiredTotal: sessionsExpiredTotal,
		bridgeFailuresTotal:  bridgeFailuresTotal,
		activeSessions:       activeSessions,
		healthyBridges:       healthyBridges,
		errorsTotal:          errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncSessionsCreated increments the sessions created counter.
func (m *Metrics) IncSessionsCreated() {
	m.sessionsCreatedTotal.Inc()
}

// IncSessionsExpired increments the sessions expired counter.
func (m *Metrics) IncSessionsExpired() {
	m.sessionsExpiredTotal.Inc()
}

// IncBridgeFailures increments the failed bridge call counter.
func (m *Metrics) IncBridgeFailures() {
	m.bridgeFailuresTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// SetHealthyBridges sets the healthy bridges gauge.
func (m *Metrics) SetHealthyBridges(n int) {
	m.healthyBridges.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
