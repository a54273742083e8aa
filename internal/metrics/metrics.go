// Package metrics provides Prometheus metrics for the Filora server.
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
			Name: "filora_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filora_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Upload pipeline
	uploadSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_upload_sessions_total",
			Help: "Upload sessions by backend and final state",
		},
		[]string{"backend", "state"},
	)

	uploadSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filora_upload_sessions_active",
			Help: "Upload sessions currently accepting chunks",
		},
	)

	uploadChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_upload_chunks_total",
			Help: "Chunk submissions by outcome",
		},
		[]string{"backend", "result"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filora_upload_bytes_total",
			Help: "Total bytes written to blob stores by chunk uploads",
		},
	)

	// Blob stores
	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filora_blob_operation_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_blob_operations_total",
			Help: "Total blob store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Downloads
	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filora_download_bytes_total",
			Help: "Total bytes streamed to download clients",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_downloads_total",
			Help: "Downloads by range outcome (full, partial, unsatisfiable, malformed, error)",
		},
		[]string{"outcome"},
	)

	// Auth
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_auth_attempts_total",
			Help: "Bearer token checks by result",
		},
		[]string{"status"},
	)

	// Database
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filora_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// Events
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filora_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_events_total",
			Help: "Domain events published",
		},
		[]string{"event"},
	)

	webhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_webhook_deliveries_total",
			Help: "Webhook deliveries by event and result",
		},
		[]string{"event", "result"},
	)

	// Quotas
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filora_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filora_quota_exceeded_total",
			Help: "Total quota exceeded rejections",
		},
		[]string{"type"},
	)

	webhookQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filora_webhook_queue_dropped_total",
			Help: "Webhook deliveries dropped because the queue was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordSessionStarted counts a session that entered the uploading state.
func RecordSessionStarted() {
	uploadSessionsActive.Inc()
}

// RecordSessionFinished counts a session reaching a terminal state.
func RecordSessionFinished(backend, state string) {
	uploadSessionsActive.Dec()
	uploadSessionsTotal.WithLabelValues(backend, state).Inc()
}

// RecordChunk records one chunk submission. result is accepted, duplicate or rejected.
func RecordChunk(backend, result string, bytes int) {
	uploadChunksTotal.WithLabelValues(backend, result).Inc()
	if result == "accepted" {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordBlobOperation records a blob store call.
func RecordBlobOperation(backend, operation string, duration time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	blobOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// RecordDownload records a download and the bytes actually streamed.
func RecordDownload(outcome string, bytes int64) {
	downloadsTotal.WithLabelValues(outcome).Inc()
	downloadBytesTotal.Add(float64(bytes))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordAuthAttempt records a token check.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordEvent records a published domain event.
func RecordEvent(event string) {
	eventsTotal.WithLabelValues(event).Inc()
}

// RecordWebhookDelivery records the final result of one webhook delivery.
func RecordWebhookDelivery(event string, success bool) {
	webhookDeliveriesTotal.WithLabelValues(event, statusLabel(success)).Inc()
}

// RecordWebhookDropped records a delivery dropped on a full queue.
func RecordWebhookDropped() {
	webhookQueueDropped.Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordQuotaExceeded records a quota exceeded rejection.
func RecordQuotaExceeded(quotaType string) {
	quotaExceededTotal.WithLabelValues(quotaType).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by the matched route pattern,
// so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
