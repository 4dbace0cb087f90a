package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// 持久化失败的存储标签
const (
	StoreTiming     = "timing"
	StoreStepLog    = "steplog"
	StoreTraceStore = "tracestore"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 追踪子系统的 Prometheus 指标。
// 所有 Record 方法在 nil 接收者上是空操作，组件可以不注入 Collector。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 组件计时
	timingStarted   *prometheus.CounterVec
	timingCompleted *prometheus.CounterVec
	timingDuration  *prometheus.HistogramVec
	timingInFlight  prometheus.Gauge

	// 分层执行日志
	logEntriesTotal    *prometheus.CounterVec
	logStackMismatches *prometheus.CounterVec
	logActiveSessions  prometheus.Gauge
	streamSubscribers  prometheus.Gauge

	// 会话追踪
	traceRecordsTotal *prometheus.CounterVec
	traceTokensTotal  prometheus.Counter
	externalErrors    *prometheus.CounterVec

	// 持久化失败（按存储分组）
	persistFailures *prometheus.CounterVec

	// 缓存
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库连接池
	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP
	c.httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
	c.httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"method", "path"})

	// timing
	c.timingStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timing",
		Name:      "records_started_total",
		Help:      "Timing records opened, by component kind",
	}, []string{"kind"})
	c.timingCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timing",
		Name:      "records_completed_total",
		Help:      "Timing records closed, by component kind and final status",
	}, []string{"kind", "status"})
	c.timingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "timing",
		Name:      "component_duration_seconds",
		Help:      "Component wall-clock duration in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})
	c.timingInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "timing",
		Name:      "records_in_flight",
		Help:      "Timing records started but not yet ended",
	})

	// steplog
	c.logEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "steplog",
		Name:      "entries_total",
		Help:      "Execution log entries emitted, by entry kind",
	}, []string{"kind"})
	c.logStackMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "steplog",
		Name:      "stack_mismatches_total",
		Help:      "Completion events whose expected frame was not on top of the stack",
	}, []string{"kind"})
	c.logActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "steplog",
		Name:      "active_sessions",
		Help:      "Step loggers currently held by the registry",
	})
	c.streamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "steplog",
		Name:      "stream_subscribers",
		Help:      "Open live-tail websocket subscribers",
	})

	// tracestore
	c.traceRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracestore",
		Name:      "records_total",
		Help:      "Trace records written, by record kind",
	}, []string{"kind"})
	c.traceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracestore",
		Name:      "tokens_total",
		Help:      "Tokens accumulated across conversation messages",
	})
	c.externalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracing",
		Name:      "external_errors_total",
		Help:      "Failed calls into the external tracing backend, by operation",
	}, []string{"operation"})

	c.persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Swallowed persistence failures, by store",
	}, []string{"store"})

	// 缓存
	c.cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of cache hits",
	}, []string{"cache_type"})
	c.cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of cache misses",
	}, []string{"cache_type"})

	// 数据库
	c.dbConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Number of open database connections",
	})
	c.dbConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections",
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// ⏱️ 组件计时
// =============================================================================

// RecordTimingStart 计时记录开启
func (c *Collector) RecordTimingStart(kind string) {
	if c == nil {
		return
	}
	c.timingStarted.WithLabelValues(kind).Inc()
	c.timingInFlight.Inc()
}

// RecordTimingEnd 计时记录关闭
func (c *Collector) RecordTimingEnd(kind, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.timingCompleted.WithLabelValues(kind, status).Inc()
	c.timingDuration.WithLabelValues(kind).Observe(duration.Seconds())
	c.timingInFlight.Dec()
}

// =============================================================================
// 📜 分层执行日志
// =============================================================================

// RecordLogEntry 记录一条执行日志
func (c *Collector) RecordLogEntry(kind string) {
	if c == nil {
		return
	}
	c.logEntriesTotal.WithLabelValues(kind).Inc()
}

// RecordStackMismatch 完成事件与栈顶帧类型不符
func (c *Collector) RecordStackMismatch(kind string) {
	if c == nil {
		return
	}
	c.logStackMismatches.WithLabelValues(kind).Inc()
}

// SetActiveLoggers 设置注册表中的 logger 数量
func (c *Collector) SetActiveLoggers(n int) {
	if c == nil {
		return
	}
	c.logActiveSessions.Set(float64(n))
}

// AddStreamSubscribers 实时订阅者增减
func (c *Collector) AddStreamSubscribers(delta int) {
	if c == nil {
		return
	}
	c.streamSubscribers.Add(float64(delta))
}

// =============================================================================
// 🧵 会话追踪
// =============================================================================

// RecordTraceRecord 写入一条追踪记录
func (c *Collector) RecordTraceRecord(kind string, tokens int) {
	if c == nil {
		return
	}
	c.traceRecordsTotal.WithLabelValues(kind).Inc()
	if tokens > 0 {
		c.traceTokensTotal.Add(float64(tokens))
	}
}

// RecordExternalError 外部追踪后端调用失败
func (c *Collector) RecordExternalError(operation string) {
	if c == nil {
		return
	}
	c.externalErrors.WithLabelValues(operation).Inc()
}

// RecordPersistFailure 被吞掉的持久化错误
func (c *Collector) RecordPersistFailure(store string) {
	if c == nil {
		return
	}
	c.persistFailures.WithLabelValues(store).Inc()
}

// =============================================================================
// 💾 缓存 / 数据库
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录连接池状态
func (c *Collector) RecordDBConnections(open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}

// statusCode 将 HTTP 状态码归类
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
