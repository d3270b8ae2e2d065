// Package metrics provides Prometheus metrics for the pack generation server.
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
			Name: "tuf_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tuf_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Pack generation metrics
	packJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuf_pack_jobs_total",
			Help: "Total pack generation jobs by terminal status",
		},
		[]string{"status"},
	)

	packJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuf_pack_job_duration_seconds",
			Help:    "End-to-end pack generation duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	packActiveBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuf_pack_active_size_bytes",
			Help: "Sum of estimated sizes of jobs currently holding budget",
		},
	)

	packQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuf_pack_queue_depth",
			Help: "Number of requests waiting for admission",
		},
	)

	packLeavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuf_pack_leaves_total",
			Help: "Total processed pack leaves",
		},
		[]string{"result"},
	)

	packExtractFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuf_pack_extract_fallbacks_total",
			Help: "Extractions that fell back to the in-process implementation",
		},
	)

	packCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuf_pack_cache_lookups_total",
			Help: "Completion cache lookups",
		},
		[]string{"result"},
	)

	packCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuf_pack_cache_entries",
			Help: "Live entries in the completion cache",
		},
	)

	// Progress reporter metrics
	progressPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuf_progress_pushes_total",
			Help: "Progress webhook deliveries",
		},
		[]string{"status"},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tuf_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuf_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"operation", "status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuf_download_bytes_total",
			Help: "Total bytes served from the download endpoint",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPackJob records a finished pack job.
func RecordPackJob(status string, duration time.Duration) {
	packJobsTotal.WithLabelValues(status).Inc()
	packJobDuration.Observe(duration.Seconds())
}

// SetActiveBudget sets the current admitted budget usage.
func SetActiveBudget(bytes int64) {
	packActiveBytes.Set(float64(bytes))
}

// SetQueueDepth sets the current admission queue depth.
func SetQueueDepth(depth int) {
	packQueueDepth.Set(float64(depth))
}

// RecordLeaf records one processed leaf.
func RecordLeaf(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	packLeavesTotal.WithLabelValues(result).Inc()
}

// RecordExtractFallback records a verified tool failure that used the
// in-process extractor.
func RecordExtractFallback() {
	packExtractFallbacks.Inc()
}

// RecordCacheLookup records a completion cache lookup.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	packCacheLookups.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the live completion cache entry count.
func SetCacheEntries(n int) {
	packCacheEntries.Set(float64(n))
}

// RecordProgressPush records a progress webhook delivery attempt.
func RecordProgressPush(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	progressPushesTotal.WithLabelValues(status).Inc()
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDownloadBytes records bytes served from the download endpoint.
func RecordDownloadBytes(n int64) {
	downloadBytesTotal.Add(float64(n))
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

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
