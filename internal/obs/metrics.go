package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded.",
	})
)

// Auth-core metrics. Reuse detection is the security-critical one and
// feeds alerting.
var (
	authTokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Token pairs issued at login.",
	})
	authTokensRotated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_rotated_total",
		Help: "Successful refresh token rotations.",
	})
	authReuseDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_token_reuse_detected_total",
		Help: "Replays of already-consumed refresh tokens.",
	})
	authRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rate_limited_total",
			Help: "Auth operations denied by the rate limiter.",
		},
		[]string{"operation"},
	)
	authFamiliesRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_families_revoked_total",
			Help: "Refresh token families revoked, by reason.",
		},
		[]string{"reason"},
	)
	authCompromiseIndicators = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_compromise_indicators_total",
			Help: "Compromise indicators raised by the detector.",
		},
		[]string{"indicator"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		authTokensIssued, authTokensRotated, authReuseDetected,
		authRateLimited, authFamiliesRevoked, authCompromiseIndicators,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the latest readiness probe outcome.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

func IncTokenIssued()   { authTokensIssued.Inc() }
func IncTokenRotated()  { authTokensRotated.Inc() }
func IncReuseDetected() { authReuseDetected.Inc() }

func IncRateLimited(operation string) {
	authRateLimited.WithLabelValues(operation).Inc()
}

func IncFamilyRevoked(reason string) {
	authFamiliesRevoked.WithLabelValues(reason).Inc()
}

func IncCompromiseIndicator(indicator string) {
	authCompromiseIndicators.WithLabelValues(indicator).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric cardinality stays
// bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "tenants" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
