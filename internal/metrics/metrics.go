// Package metrics exposes the Prometheus registry and instrumentation for
// the credit layer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credit_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	credentialsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "credentials",
			Name:      "issued_total",
			Help:      "Total number of credentials issued.",
		},
	)

	credentialValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "credentials",
			Name:      "validations_total",
			Help:      "Total number of credential validations by outcome.",
		},
		[]string{"outcome"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	depositOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "deposits",
			Name:      "submissions_total",
			Help:      "Total number of deposit submissions by outcome.",
		},
		[]string{"outcome"},
	)

	depositCredited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credit_layer",
			Subsystem: "deposits",
			Name:      "credited_cents_total",
			Help:      "Total credited amount in credit-cents.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		credentialsIssued,
		credentialValidations,
		rateLimitDecisions,
		depositOutcomes,
		depositCredited,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordCredentialIssued counts one issued credential.
func RecordCredentialIssued() {
	credentialsIssued.Inc()
}

// RecordCredentialValidation counts one validation outcome ("ok"/"rejected").
func RecordCredentialValidation(outcome string) {
	credentialValidations.WithLabelValues(outcome).Inc()
}

// RecordRateLimitDecision counts one admission decision.
func RecordRateLimitDecision(action string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	rateLimitDecisions.WithLabelValues(action, outcome).Inc()
}

// RecordDepositOutcome counts one deposit submission outcome.
func RecordDepositOutcome(outcome string) {
	depositOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDepositCredited adds a credited amount in credit-cents.
func RecordDepositCredited(amount int64) {
	if amount > 0 {
		depositCredited.Add(float64(amount))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "admin" {
		return "/" + parts[0]
	}
	if len(parts) >= 3 {
		// /admin/principals/{id}/... -> /admin/principals/:id
		return "/admin/" + parts[1] + "/:id"
	}
	return "/" + strings.Join(parts, "/")
}
