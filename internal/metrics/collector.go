// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标采集器
// =============================================================================

// Collector holds every Prometheus collector the proxy registers: HTTP
// ingress metrics, request-queue depth/wait, key-pool availability,
// upstream call latency, the model-list/risu-token cache, and the database
// connection pool.
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 请求队列指标（按 ModelFamily 分区）
	queueDepth *prometheus.GaugeVec
	queueWait  *prometheus.GaugeVec

	// Key Pool 指标
	keyPoolAvailable *prometheus.GaugeVec

	// 上游调用指标
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamLatency       *prometheus.HistogramVec

	// 缓存指标（模型列表缓存、risu-token 校验缓存）
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库连接池指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector registers every collector under namespace and returns the
// Collector wrapping them.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collector{
		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		httpRequestSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "HTTP request body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path"}),

		httpResponseSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path"}),

		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of requests currently waiting in a model family's partition",
		}, []string{"family"}),

		queueWait: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Estimated average wait time for a model family's partition",
		}, []string{"family"}),

		keyPoolAvailable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keypool",
			Name:      "available_keys",
			Help:      "Number of healthy, non-rate-limited keys for a service/model family",
		}, []string{"service", "family"}),

		upstreamRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream provider calls",
		}, []string{"service", "status"}),

		upstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "latency_seconds",
			Help:      "Upstream provider call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),

		cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}, []string{"cache_type"}),

		cacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}, []string{"cache_type"}),

		dbConnectionsOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of established database connections",
		}, []string{"database"}),

		dbConnectionsIdle: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		}, []string{"database"}),

		logger: logger.With(zap.String("component", "metrics")),
	}
}

// =============================================================================
// 🌐 HTTP 指标
// =============================================================================

// RecordHTTPRequest records one completed HTTP request's status, duration,
// and payload sizes.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	statusStr := statusCode(status)
	c.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	c.httpRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📥 请求队列指标
// =============================================================================

// SetQueueDepth records the current number of requests waiting in family's
// partition.
func (c *Collector) SetQueueDepth(family string, depth int) {
	c.queueDepth.WithLabelValues(family).Set(float64(depth))
}

// SetQueueWait records family's current estimated average wait time.
func (c *Collector) SetQueueWait(family string, wait time.Duration) {
	c.queueWait.WithLabelValues(family).Set(wait.Seconds())
}

// =============================================================================
// 🔑 Key Pool 指标
// =============================================================================

// SetKeyPoolAvailable records how many usable keys remain for service/family.
func (c *Collector) SetKeyPoolAvailable(service, family string, count int) {
	c.keyPoolAvailable.WithLabelValues(service, family).Set(float64(count))
}

// =============================================================================
// 🚀 上游调用指标
// =============================================================================

// RecordUpstreamRequest records one upstream provider call's status and
// latency.
func (c *Collector) RecordUpstreamRequest(service string, status int, duration time.Duration) {
	c.upstreamRequestsTotal.WithLabelValues(service, statusCode(status)).Inc()
	c.upstreamLatency.WithLabelValues(service).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标
// =============================================================================

// RecordCacheHit increments the hit counter for cacheType (e.g. "models",
// "risu_token").
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the miss counter for cacheType.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库连接池指标
// =============================================================================

// SetDBConnections records the open/idle connection counts for database.
func (c *Collector) SetDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func statusCode(code int) string {
	return strconv.Itoa(code)
}
