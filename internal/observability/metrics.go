package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Imposter traffic
	imposterRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mb_imposter_requests_total",
			Help: "Total number of requests received by imposters",
		},
		[]string{"imposter", "status"},
	)

	imposterRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mb_imposter_request_duration_seconds",
			Help:    "Imposter request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"imposter"},
	)

	// Matching and resolution
	predicateMatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mb_predicate_match_duration_seconds",
			Help:    "Time it takes to find the stub matching a request",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"imposter"},
	)

	noMatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mb_no_match_total",
			Help: "Number of requests that did not match any stub",
		},
		[]string{"imposter"},
	)

	responseGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mb_response_generation_duration_seconds",
			Help:    "Time it takes to resolve a response directive",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"imposter", "kind"},
	)

	matchRecordFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mb_match_record_failures_total",
			Help: "Number of match records that could not be persisted",
		},
	)

	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mb_proxy_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"status"},
	)

	// Storage
	lockRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mb_lock_retries_total",
			Help: "Number of failed file lock attempts that were retried",
		},
	)

	lockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mb_lock_timeouts_total",
			Help: "Number of file locks abandoned after exhausting retries",
		},
	)

	impostersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mb_imposters_active",
			Help: "Number of running imposters",
		},
	)
)

// MetricsMiddleware wraps an imposter's HTTP handler with metrics collection
func MetricsMiddleware(imposter string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(wrapped, r)

		imposterRequestsTotal.WithLabelValues(imposter, strconv.Itoa(wrapped.statusCode)).Inc()
		imposterRequestDuration.WithLabelValues(imposter).Observe(time.Since(start).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RecordPredicateMatch records how long stub selection took
func RecordPredicateMatch(imposter string, elapsed time.Duration) {
	predicateMatchDuration.WithLabelValues(imposter).Observe(elapsed.Seconds())
}

// RecordNoMatch records a request answered by the default stub
func RecordNoMatch(imposter string) {
	noMatchTotal.WithLabelValues(imposter).Inc()
}

// RecordResponseGeneration records how long a directive took to resolve
func RecordResponseGeneration(imposter, kind string, elapsed time.Duration) {
	responseGenerationDuration.WithLabelValues(imposter, kind).Observe(elapsed.Seconds())
}

// RecordMatchRecordFailure records a match record that was dropped
func RecordMatchRecordFailure() {
	matchRecordFailuresTotal.Inc()
}

// RecordProxyRequest records a proxy request
func RecordProxyRequest(status string) {
	proxyRequestsTotal.WithLabelValues(status).Inc()
}

// RecordLockRetry records a failed lock attempt
func RecordLockRetry() {
	lockRetriesTotal.Inc()
}

// RecordLockTimeout records an abandoned lock acquisition
func RecordLockTimeout() {
	lockTimeoutsTotal.Inc()
}

// RecordImposterActive tracks running imposters
func RecordImposterActive(delta int) {
	impostersActive.Add(float64(delta))
}

// MetricsHandler returns the Prometheus metrics HTTP handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
