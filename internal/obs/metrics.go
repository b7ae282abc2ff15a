package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultguard.org/internal/ids"
)

// HTTP metrics shared by the whole API surface.
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
)

// Authorization-core metrics.
var (
	permissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_permission_decisions_total",
			Help: "Permission check outcomes.",
		},
		[]string{"outcome"},
	)

	policyEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_evaluations_total",
			Help: "Policy evaluation outcomes.",
		},
		[]string{"outcome"},
	)

	policyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_violations_total",
			Help: "Recorded policy violations by severity.",
		},
		[]string{"severity"},
	)

	vaultApprovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_approvals_total",
			Help: "Vault approval requests by final status.",
		},
		[]string{"status"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		permissionDecisions, policyEvaluations, policyViolations, vaultApprovals,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPermissionDecision counts a single permission check outcome ("allow" or "deny").
func RecordPermissionDecision(outcome string) {
	permissionDecisions.WithLabelValues(outcome).Inc()
}

// RecordPolicyEvaluation counts a policy evaluation outcome ("allow", "block" or "error").
func RecordPolicyEvaluation(outcome string) {
	policyEvaluations.WithLabelValues(outcome).Inc()
}

// RecordPolicyViolation counts a recorded violation by severity.
func RecordPolicyViolation(severity string) {
	policyViolations.WithLabelValues(severity).Inc()
}

// RecordVaultApproval counts an approval reaching a terminal status.
func RecordVaultApproval(status string) {
	vaultApprovals.WithLabelValues(status).Inc()
}

// CanonicalPath collapses identifier segments so metric label cardinality
// stays bounded. "/v1/vaults/01H.../members" becomes "/v1/vaults/:id/members".
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	segments := strings.Split(raw, "/")
	for i, seg := range segments {
		if ids.IsValid(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// Instrument wraps an http.Handler with RPS/latency/in-flight measurements.
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

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
