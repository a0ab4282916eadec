// Package metrics provides Prometheus metrics for the nasgate server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nasgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Storage operation metrics
	fileOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasgate_file_operations_total",
			Help: "Total storage gateway operations by kind and result",
		},
		[]string{"op", "status"},
	)

	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasgate_content_bytes_downloaded_total",
			Help: "Total bytes streamed from the content endpoint",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasgate_content_bytes_uploaded_total",
			Help: "Total bytes accepted by the upload endpoint",
		},
	)

	// Lock table metrics
	lockEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nasgate_lock_entries",
			Help: "Number of entries in the lock table",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasgate_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nasgate_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasgate_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"action"},
	)
)

// RecordFileOp records one gateway operation outcome.
func RecordFileOp(op string, ok bool) {
	status := "error"
	if ok {
		status = "ok"
	}
	fileOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordContentDownload adds streamed bytes to the download counter.
func RecordContentDownload(bytes int64) {
	if bytes > 0 {
		contentBytesDownloaded.Add(float64(bytes))
	}
}

// RecordContentUpload adds accepted bytes to the upload counter.
func RecordContentUpload(bytes int64) {
	if bytes > 0 {
		contentBytesUploaded.Add(float64(bytes))
	}
}

// SetLockEntries sets the lock table size gauge.
func SetLockEntries(n int64) {
	lockEntries.Set(float64(n))
}

// RecordAuthAttempt records a login or token validation outcome.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetSSEConnectionsActive sets the active SSE connection gauge.
func SetSSEConnectionsActive(n int64) {
	sseConnectionsActive.Set(float64(n))
}

// RecordSSEEvent counts one published event by action.
func RecordSSEEvent(action string) {
	sseEventsTotal.WithLabelValues(action).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and latencies.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
