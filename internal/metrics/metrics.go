// Package metrics provides Prometheus metrics for the vaultfs server.
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
			Name: "vaultfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// VFS operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_operations_total",
			Help: "Total number of VFS operations",
		},
		[]string{"op", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultfs_operation_duration_seconds",
			Help:    "VFS operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	txAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_transaction_aborts_total",
			Help: "Total store transactions that were aborted",
		},
		[]string{"op"},
	)

	// Index metrics
	indexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultfs_index_directories",
			Help: "Number of directories held by the path index",
		},
	)

	indexRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultfs_index_rebuild_duration_seconds",
			Help:    "Time to rebuild the path index from the store",
			Buckets: prometheus.DefBuckets,
		},
	)

	indexRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_index_rebuilds_total",
			Help: "Total path index rebuilds",
		},
		[]string{"status"},
	)

	indexOrphansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultfs_index_orphans_total",
			Help: "Entries found during rebuild whose parent is not a directory",
		},
	)

	// Transfer metrics
	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_transfer_bytes_total",
			Help: "Total bytes moved in or out of the store",
		},
		[]string{"kind"},
	)

	archiveBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultfs_archive_build_duration_seconds",
			Help:    "Archive build duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	// Store metrics
	storeQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultfs_store_query_duration_seconds",
			Help:    "Store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "query"},
	)

	storeConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultfs_store_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultfs_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_events_total",
			Help: "Total events published",
		},
		[]string{"type"},
	)

	// Sink metrics
	sinkOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultfs_sink_operation_duration_seconds",
			Help:    "Download sink delivery duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	sinkOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_sink_operations_total",
			Help: "Total download sink deliveries",
		},
		[]string{"sink", "status"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultfs_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultfs_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation records a finished VFS operation. status is one of
// "success", "error" or "aborted".
func RecordOperation(op, status string, duration time.Duration) {
	operationsTotal.WithLabelValues(op, status).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTxAbort records an aborted store transaction.
func RecordTxAbort(op string) {
	txAbortsTotal.WithLabelValues(op).Inc()
}

// SetIndexSize sets the number of directories in the path index.
func SetIndexSize(dirs int) {
	indexSize.Set(float64(dirs))
}

// RecordIndexRebuild records a path index rebuild.
func RecordIndexRebuild(duration time.Duration, success bool) {
	indexRebuildDuration.Observe(duration.Seconds())
	indexRebuildsTotal.WithLabelValues(status(success)).Inc()
}

// RecordIndexOrphans records entries dropped from the index during rebuild.
func RecordIndexOrphans(n int) {
	indexOrphansTotal.Add(float64(n))
}

// RecordTransfer records bytes uploaded or downloaded.
func RecordTransfer(kind string, bytes int64) {
	transferBytesTotal.WithLabelValues(kind).Add(float64(bytes))
}

// RecordArchiveBuild records the time spent producing an archive.
func RecordArchiveBuild(format string, duration time.Duration) {
	archiveBuildDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordStoreQuery records a store query duration.
func RecordStoreQuery(backend, query string, duration time.Duration) {
	storeQueryDuration.WithLabelValues(backend, query).Observe(duration.Seconds())
}

// SetStoreConnectionsOpen sets the number of open database connections.
func SetStoreConnectionsOpen(count int) {
	storeConnectionsOpen.Set(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordEvent records an event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordSinkOperation records a download sink delivery.
func RecordSinkOperation(sink string, duration time.Duration, success bool) {
	sinkOperationDuration.WithLabelValues(sink).Observe(duration.Seconds())
	sinkOperationsTotal.WithLabelValues(sink, status(success)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a request rejected by the rate limiter.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
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

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by their mux pattern to keep cardinality bounded.
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
