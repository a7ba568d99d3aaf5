// Package metrics holds the Prometheus collectors for the gateway, the bridge
// client, enrichment and the outbox worker.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "integrator"

// Metrics owns a registry and every collector registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	bridgeAttempts *prometheus.CounterVec
	bridgeCalls    *prometheus.CounterVec
	bridgeDuration *prometheus.HistogramVec

	gatewayRequests *prometheus.CounterVec
	suppressed      *prometheus.CounterVec
	outboxJobs      *prometheus.CounterVec
	telemetryEvents *prometheus.CounterVec
}

// New creates a Metrics with a fresh registry. Pass withRuntime to include the
// process and Go runtime collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

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
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),

		bridgeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "attempts_total",
			Help:      "Individual HTTP attempts made to the generation backend.",
		}, []string{"op"}),
		bridgeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Completed bridge calls by outcome (success or error type).",
		}, []string{"op", "outcome"}),
		bridgeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Duration of bridge calls including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op"}),

		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by module and status.",
		}, []string{"module", "status"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_suppressed_total",
			Help:      "Errors suppressed during creator enrichment, by stage.",
		}, []string{"stage"}),
		outboxJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "jobs_total",
			Help:      "Outbox jobs processed by type and result.",
		}, []string{"type", "result"}),
		telemetryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "events_total",
			Help:      "Telemetry events emitted by type and status.",
		}, []string{"event_type", "status"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.bridgeAttempts, m.bridgeCalls, m.bridgeDuration,
		m.gatewayRequests, m.suppressed, m.outboxJobs, m.telemetryEvents,
	)
	if withRuntime {
		m.Registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	}
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveAttempt implements bridge.Observer.
func (m *Metrics) ObserveAttempt(op string) {
	m.bridgeAttempts.WithLabelValues(op).Inc()
}

// ObserveResult implements bridge.Observer.
func (m *Metrics) ObserveResult(op, outcome string, elapsed time.Duration) {
	m.bridgeCalls.WithLabelValues(op, outcome).Inc()
	m.bridgeDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// GatewayRequest counts a processed gateway request.
func (m *Metrics) GatewayRequest(module, status string) {
	if module == "" {
		module = "unknown"
	}
	m.gatewayRequests.WithLabelValues(module, status).Inc()
}

// Suppressed counts an enrichment error that was logged and swallowed.
func (m *Metrics) Suppressed(stage string) {
	m.suppressed.WithLabelValues(stage).Inc()
}

// OutboxJob counts a delivered or failed outbox job.
func (m *Metrics) OutboxJob(jobType string, ok bool) {
	m.outboxJobs.WithLabelValues(jobType, strconv.FormatBool(ok)).Inc()
}

// TelemetryEvent counts an emitted telemetry event.
func (m *Metrics) TelemetryEvent(eventType, status string) {
	m.telemetryEvents.WithLabelValues(eventType, status).Inc()
}

// InstrumentHandler wraps next with HTTP metrics collection. Routes are
// labelled by their chi pattern so path parameters do not explode cardinality.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
