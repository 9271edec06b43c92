package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Referral metrics
	referralsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referrals_submitted_total",
			Help: "Total number of referral requests accepted",
		},
		[]string{"urgency"},
	)

	duplicateEmergencies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "referrals_duplicate_emergency_total",
			Help: "Emergency referrals submitted while another emergency case for the client was open",
		},
	)

	caseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_transitions_total",
			Help: "Total number of case state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_escalations_total",
			Help: "Total number of escalation rounds",
		},
		[]string{"reason", "urgency"},
	)

	manualDispatch = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "case_manual_dispatch_total",
			Help: "Cases flagged for manual dispatch",
		},
	)

	matchingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matching_duration_seconds",
			Help:    "Time spent ranking candidates",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"outcome"},
	)

	matchingTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matching_timeouts_total",
			Help: "Matching attempts abandoned after the timeout",
		},
	)

	dispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_failures_total",
			Help: "Case events that could not be delivered after retries",
		},
		[]string{"sink"},
	)

	dispatchDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_delivered_total",
			Help: "Case events delivered to a sink",
		},
		[]string{"sink"},
	)

	missedDeadlines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_missed_deadlines_total",
			Help: "Deadlines found already past during reconciliation",
		},
	)

	armedDeadlines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_armed_deadlines",
			Help: "Deadlines currently held by the escalation scheduler",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern labels requests by chi route template so case ids do not
// explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// --- Business metric helpers ---

// RecordReferralSubmitted records an accepted referral request
func RecordReferralSubmitted(urgency string, duplicate bool) {
	referralsSubmitted.WithLabelValues(urgency).Inc()
	if duplicate {
		duplicateEmergencies.Inc()
	}
}

// RecordCaseTransition records a case state change
func RecordCaseTransition(fromState, toState string) {
	caseTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordEscalation records an escalation round
func RecordEscalation(reason, urgency string, manual bool) {
	escalations.WithLabelValues(reason, urgency).Inc()
	if manual {
		manualDispatch.Inc()
	}
}

// RecordMatching records a matching attempt
func RecordMatching(outcome string, duration time.Duration) {
	matchingDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordMatchingTimeout records a matching attempt cut off by its deadline
func RecordMatchingTimeout() {
	matchingTimeouts.Inc()
}

// RecordDispatch records the outcome of delivering one case event to a sink
func RecordDispatch(sink string, delivered bool) {
	if delivered {
		dispatchDelivered.WithLabelValues(sink).Inc()
		return
	}
	dispatchFailures.WithLabelValues(sink).Inc()
}

// RecordMissedDeadline records a deadline that passed while nothing was armed
func RecordMissedDeadline() {
	missedDeadlines.Inc()
}

// SetArmedDeadlines records the scheduler heap size
func SetArmedDeadlines(n int) {
	armedDeadlines.Set(float64(n))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
