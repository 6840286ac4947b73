package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chat delivery core metrics
var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Request duration histogram
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Send pipeline outcomes
	SendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "send_total",
			Help:      "Total send pipeline executions",
		},
		[]string{"status"},
	)

	// Broadcast fan-outs per channel kind
	BroadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "broadcast_total",
			Help:      "Total broadcast operations",
		},
		[]string{"channel", "status"},
	)

	// Delivery record state changes
	DeliveryStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "delivery_status_total",
			Help:      "Total delivery record status transitions",
		},
		[]string{"status"},
	)

	// Retry sweep outcomes
	RetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "retry_total",
			Help:      "Total delivery retry attempts",
		},
		[]string{"status"},
	)

	// Retry queue depth
	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "retry_queue_depth",
			Help:      "Messages currently queued for delivery retry",
		},
	)

	// Thread state machine operations
	ThreadOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "thread_ops_total",
			Help:      "Total thread operations",
		},
		[]string{"op", "status"},
	)

	// Mention dispatch outcomes
	MentionDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "mention_dispatch_total",
			Help:      "Total mention dispatcher calls",
		},
		[]string{"status"},
	)

	// Cache hits
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "cache_hits_total",
			Help:      "Total cache hits",
		},
		[]string{"cache_type"},
	)

	// Cache misses
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "cache_misses_total",
			Help:      "Total cache misses",
		},
		[]string{"cache_type"},
	)

	// Connected websocket clients
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tripmates",
			Subsystem: "chat",
			Name:      "ws_connections",
			Help:      "Currently connected websocket clients",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordSend records a send pipeline outcome
func RecordSend(status string) {
	SendTotal.WithLabelValues(status).Inc()
}

// RecordBroadcast records a broadcast on one channel kind
func RecordBroadcast(channel, status string) {
	BroadcastTotal.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryStatus records a delivery record transition
func RecordDeliveryStatus(status string) {
	DeliveryStatusTotal.WithLabelValues(status).Inc()
}

// RecordRetry records a retry sweep outcome
func RecordRetry(status string) {
	RetryTotal.WithLabelValues(status).Inc()
}

// SetRetryQueueDepth updates the retry queue depth gauge
func SetRetryQueueDepth(depth int) {
	RetryQueueDepth.Set(float64(depth))
}

// RecordThreadOp records a thread state machine operation
func RecordThreadOp(op, status string) {
	ThreadOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordMentionDispatch records a mention dispatcher call
func RecordMentionDispatch(status string) {
	MentionDispatchTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	CacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	CacheMissesTotal.WithLabelValues(cacheType).Inc()
}
