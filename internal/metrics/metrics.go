package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldguard"

// Metrics groups the collectors of the service. A nil *Metrics is valid and records nothing,
// so services can be built without observability in tests and CLI commands.
type Metrics struct {
	registry prometheus.Gatherer

	accessDecisions   *prometheus.CounterVec
	deniedFields      *prometheus.CounterVec
	encryptionOps     *prometheus.CounterVec
	kmsDuration       *prometheus.HistogramVec
	tokenReuse        prometheus.Counter
	httpInFlight      prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpRequestLength *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Field access decisions by role, action and outcome.",
		}, []string{"role", "action", "granted"}),
		deniedFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denied_fields_total",
			Help:      "Field paths removed from responses.",
		}, []string{"role", "entity"}),
		encryptionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encryption_operations_total",
			Help:      "Record encryption and decryption operations.",
		}, []string{"operation", "result"}),
		kmsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kms_request_duration_seconds",
			Help:      "Key provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy", "operation"}),
		tokenReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_reuse_total",
			Help:      "Refresh token replays that revoked a token family.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.accessDecisions,
		m.deniedFields,
		m.encryptionOps,
		m.kmsDuration,
		m.tokenReuse,
		m.httpInFlight,
		m.httpRequests,
		m.httpRequestLength,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AccessDecision(role, action string, granted bool, deniedFields int, entity string) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(role, action, strconv.FormatBool(granted)).Inc()
	if deniedFields > 0 {
		m.deniedFields.WithLabelValues(role, entity).Add(float64(deniedFields))
	}
}

func (m *Metrics) EncryptionOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.encryptionOps.WithLabelValues(operation, result).Inc()
}

// ObserveKMS records the latency of one key provider call started at start.
func (m *Metrics) ObserveKMS(strategy, operation string, start time.Time) {
	if m == nil {
		return
	}
	m.kmsDuration.WithLabelValues(strategy, operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) TokenReuseDetected() {
	if m == nil {
		return
	}
	m.tokenReuse.Inc()
}

// Instrument records request count and latency labelled by the matched chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		m.httpRequestLength.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
