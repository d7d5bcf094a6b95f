// Package metrics exposes Prometheus collectors for the marketplace services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketplace"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	oracleRefreshes *prometheus.CounterVec
	oracleRateAge   prometheus.Gauge

	accessDecisions *prometheus.CounterVec

	reconciliations   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	reconcileInFlight prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),
		oracleRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "refreshes_total",
			Help:      "Exchange rate refresh attempts.",
		}, []string{"result"}),
		oracleRateAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful rate fetch.",
		}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Protected identifier requests by outcome.",
		}, []string{"outcome"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "intents_total",
			Help:      "Write intents by kind and terminal status.",
		}, []string{"kind", "status"}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		}, []string{"kind", "status"}),
		reconcileInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "inflight_intents",
			Help:      "Write intents awaiting a terminal status.",
		}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.oracleRefreshes,
		m.oracleRateAge,
		m.accessDecisions,
		m.reconciliations,
		m.reconcileDuration,
		m.reconcileInFlight,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() {
	if m != nil {
		m.httpInFlight.Inc()
	}
}

func (m *Metrics) DecrementInFlight() {
	if m != nil {
		m.httpInFlight.Dec()
	}
}

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordOracleRefresh records a rate fetch attempt.
func (m *Metrics) RecordOracleRefresh(success bool, at time.Time) {
	if m == nil {
		return
	}
	if success {
		m.oracleRefreshes.WithLabelValues("success").Inc()
		m.oracleRateAge.Set(float64(at.Unix()))
		return
	}
	m.oracleRefreshes.WithLabelValues("failure").Inc()
}

// RecordAccessDecision records the outcome of a protected identifier request.
func (m *Metrics) RecordAccessDecision(outcome string) {
	if m != nil {
		m.accessDecisions.WithLabelValues(outcome).Inc()
	}
}

// IntentStarted tracks a newly submitted write intent.
func (m *Metrics) IntentStarted() {
	if m != nil {
		m.reconcileInFlight.Inc()
	}
}

// IntentFinished records a write intent reaching a terminal status.
func (m *Metrics) IntentFinished(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reconcileInFlight.Dec()
	m.reconciliations.WithLabelValues(kind, status).Inc()
	m.reconcileDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}
