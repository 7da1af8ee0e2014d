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
			Name: "revio_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revio_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	requestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revio_review_requests_created_total",
			Help: "Total review requests created by business and channel",
		},
		[]string{"business_id", "channel"},
	)

	requestsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revio_review_requests_fired_total",
			Help: "Total firing outcomes by terminal status and channel",
		},
		[]string{"status", "channel"},
	)

	firingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revio_firing_latency_seconds",
			Help:    "Time from claim to persisted send outcome",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revio_dispatch_queue_depth",
			Help: "Scheduled plus inflight dispatch jobs",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revio_idempotency_hits_total",
			Help: "Creates served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revio_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"business_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revio_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revio_redis_connections_active",
			Help: "Active Redis connections",
		},
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

// RecordRequestCreated records a review request create
func RecordRequestCreated(businessID, channel string) {
	requestsCreated.WithLabelValues(businessID, channel).Inc()
}

// RecordRequestFired records a firing outcome
func RecordRequestFired(status, channel string) {
	requestsFired.WithLabelValues(status, channel).Inc()
}

// RecordFiringLatency records end-to-end firing time
func RecordFiringLatency(channel string, latency time.Duration) {
	firingLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetDispatchQueueDepth sets the current dispatch queue depth
func SetDispatchQueueDepth(depth int64) {
	dispatchQueueDepth.Set(float64(depth))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(businessID string) {
	rateLimitRejections.WithLabelValues(businessID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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
