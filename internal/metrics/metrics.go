// Package metrics provides Prometheus metrics for the bundle proxy.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundleproxy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_cache_lookups_total",
			Help: "Cache lookups by store and result",
		},
		[]string{"store", "result"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundleproxy_cache_entries",
			Help: "Number of member entries held by the cache store",
		},
	)

	cachePrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundleproxy_cache_pruned_total",
			Help: "Total cache entries removed by generation pruning",
		},
	)

	// Bundle build metrics
	bundleBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_bundle_builds_total",
			Help: "Bundle cache builds by backend and result",
		},
		[]string{"backend", "result"},
	)

	bundleBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundleproxy_bundle_build_duration_seconds",
			Help:    "Time to enumerate and fetch all members of a bundle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	bundleBuildsJoined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundleproxy_bundle_builds_joined_total",
			Help: "EnsureCached calls that awaited an in-flight build",
		},
	)

	// Upstream metrics
	upstreamFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_upstream_fetches_total",
			Help: "Upstream fetches by collaborator and status",
		},
		[]string{"upstream", "status"},
	)

	upstreamBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_upstream_bytes_total",
			Help: "Bytes read from upstream collaborators",
		},
		[]string{"upstream"},
	)

	// Rewrite metrics
	rewriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundleproxy_rewrite_duration_seconds",
			Help:    "Entry document rewrite duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	inlinedAssetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_inlined_assets_total",
			Help: "Assets considered for inlining by result",
		},
		[]string{"result"},
	)

	// Catalog metrics
	catalogChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_catalog_checks_total",
			Help: "Catalog polls by result",
		},
		[]string{"result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundleproxy_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	sseEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundleproxy_sse_events_dropped_total",
			Help: "SSE events not delivered to subscribers with a full buffer",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundleproxy_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundleproxy_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleproxy_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
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

// RecordCacheLookup records a cache hit or miss for a store.
func RecordCacheLookup(store string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(store, result).Inc()
}

// SetCacheEntries sets the number of entries held by the cache store.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordCachePruned records entries removed by Prune.
func RecordCachePruned(n int) {
	cachePrunedTotal.Add(float64(n))
}

// RecordBundleBuild records a completed bundle build.
func RecordBundleBuild(backend string, duration time.Duration, success bool) {
	result := "ready"
	if !success {
		result = "failed"
	}
	bundleBuildsTotal.WithLabelValues(backend, result).Inc()
	bundleBuildDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordBuildJoined records a caller that shared an in-flight build.
func RecordBuildJoined() {
	bundleBuildsJoined.Inc()
}

// RecordUpstreamFetch records a request to an upstream collaborator.
// status is the HTTP status, or 0 for transport errors.
func RecordUpstreamFetch(upstream string, status int, bytes int64) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	upstreamFetchesTotal.WithLabelValues(upstream, label).Inc()
	if bytes > 0 {
		upstreamBytes.WithLabelValues(upstream).Add(float64(bytes))
	}
}

// RecordRewrite records the duration of one entry document rewrite.
func RecordRewrite(duration time.Duration) {
	rewriteDuration.Observe(duration.Seconds())
}

// RecordInline records the outcome of one inlining attempt.
func RecordInline(success bool) {
	result := "inlined"
	if !success {
		result = "skipped"
	}
	inlinedAssetsTotal.WithLabelValues(result).Inc()
}

// RecordCatalogCheck records a catalog poll; result is unchanged, changed or error.
func RecordCatalogCheck(result string) {
	catalogChecksTotal.WithLabelValues(result).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordSSEDropped records events skipped for slow subscribers.
func RecordSSEDropped(n int) {
	sseEventsDroppedTotal.Add(float64(n))
}

// RecordRateLimitHit records a rate limit rejection.
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
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, RouteLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

// RouteLabel reduces a request path to its route family so bundle paths
// do not become label values: "/api/v1/play/tree" -> "/api/v1/play",
// "/bundles/tree/games/foo/a.js" -> "/bundles".
func RouteLabel(p string) string {
	parts := strings.SplitN(strings.Trim(p, "/"), "/", 4)
	if parts[0] == "api" && len(parts) >= 3 {
		return "/" + strings.Join(parts[:3], "/")
	}
	return "/" + parts[0]
}
