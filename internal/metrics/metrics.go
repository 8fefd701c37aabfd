package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sonosevents"

// Callback-server HTTP metrics (incremented by InstrumentHandler).
var (
	NotifyRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notify_requests_total",
		Help:      "Total NOTIFY requests handled by the callback server.",
	}, []string{"method", "path_pattern", "status_code"})

	NotifyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notify_duration_seconds",
		Help:      "NOTIFY handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Pipeline counters (incremented directly by the subscription manager's
// dispatch and renewal loops).
var (
	ParseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Total NOTIFY bodies that failed to parse, by service.",
	}, []string{"service"})

	EventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_emitted_total",
		Help:      "Total StateChange events emitted to the dispatcher, by kind.",
	}, []string{"kind"})

	SubscriptionRenewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_renewals_total",
		Help:      "Total subscription renewal attempts, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		NotifyRequestsTotal,
		NotifyDuration,
		ParseErrorsTotal,
		EventsEmittedTotal,
		SubscriptionRenewalsTotal,
	)
}

// InstrumentHandler returns middleware that records NOTIFY handling
// metrics. It uses chi's route pattern as the path label to avoid
// cardinality explosion from per-subscription callback paths.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)
		duration := time.Since(start).Seconds()

		NotifyRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		NotifyDuration.WithLabelValues(method, pattern).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
