package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sable_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sable_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sable_tasks_processed_total",
			Help: "Tasks finalized by the scheduler, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	taskSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sable_task_skips_total",
			Help: "Send tasks skipped because the contact is not subscribed",
		},
	)

	emailsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sable_emails_sent_total",
			Help: "Emails successfully handed to the mail transport",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sable_scheduler_tick_duration_seconds",
			Help:    "Duration of one full scheduler tick",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60},
		},
	)

	domainStatusChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sable_domain_status_checks_total",
			Help: "Domain verification status checks by resulting status",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTaskProcessed records a finalized task outcome
func RecordTaskProcessed(taskType, outcome string) {
	tasksProcessed.WithLabelValues(taskType, outcome).Inc()
}

// RecordTaskSkipped records a suppressed send
func RecordTaskSkipped() {
	taskSkips.Inc()
}

// RecordEmailSent records a successful transport dispatch
func RecordEmailSent() {
	emailsSent.Inc()
}

// RecordTickDuration records how long a scheduler tick took
func RecordTickDuration(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// RecordDomainStatusCheck records a domain status refresh result
func RecordDomainStatusCheck(status string) {
	domainStatusChecks.WithLabelValues(status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
