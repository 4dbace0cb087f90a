package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/api"
	"github.com/BaSui01/crewtrace/api/handlers"
	"github.com/BaSui01/crewtrace/config"
	"github.com/BaSui01/crewtrace/internal/cache"
	"github.com/BaSui01/crewtrace/internal/database"
	"github.com/BaSui01/crewtrace/internal/metrics"
	"github.com/BaSui01/crewtrace/internal/server"
	"github.com/BaSui01/crewtrace/internal/telemetry"
	"github.com/BaSui01/crewtrace/recorder"
	"github.com/BaSui01/crewtrace/steplog"
	"github.com/BaSui01/crewtrace/timing"
	"github.com/BaSui01/crewtrace/tracestore"
	"github.com/BaSui01/crewtrace/tracing"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 crewtrace 的主服务器：持有计时、执行日志与追踪存储，并对外暴露只读调试 API
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	otel    *telemetry.Providers
	db      *database.PoolManager
	cache   *cache.Manager
	metrics *metrics.Collector

	// 记录后端
	timer      *timing.Timer
	timings    *timing.GormRepository
	aggregator *timing.Aggregator
	logs       *steplog.Registry
	hub        *steplog.Hub
	tracer     *tracing.Adapter
	store      *tracestore.Store
	recorder   *recorder.Recorder

	// Handlers
	healthHandler  *handlers.HealthHandler
	sessionHandler *handlers.SessionHandler
	traceHandler   *handlers.TraceHandler

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, otel *telemetry.Providers, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		otel:   otel,
		logger: logger,
	}
}

// Recorder 进程内写入入口，流水线通过它记录一次运行
func (s *Server) Recorder() *recorder.Recorder {
	return s.recorder
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metrics = metrics.NewCollector("crewtrace", s.logger)

	// 2. 初始化存储与记录后端
	if err := s.initBackend(); err != nil {
		return fmt.Errorf("failed to init backend: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_enabled", s.cache != nil),
		zap.Bool("tracing_enabled", s.cfg.Tracing.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initBackend 打开数据库与缓存，组装计时器、日志注册表、追踪存储和记录器
func (s *Server) initBackend() error {
	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.db = db
	if s.metrics != nil {
		db.ReportStatsTo(s.metrics)
	}

	if s.cfg.Database.AutoMigrate {
		if err := db.DB().AutoMigrate(&timing.Record{}, &steplog.Entry{}, &tracestore.Record{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		s.logger.Info("Schema auto-migrated", zap.String("driver", s.cfg.Database.Driver))
	}

	if s.cfg.Redis.Enabled {
		s.cache, err = cache.NewManager(cache.ConfigFrom(s.cfg.Redis), s.logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	// 执行日志
	seq, err := steplog.NewSequencer(s.cfg.StepLog, s.cache)
	if err != nil {
		return err
	}
	s.hub = steplog.NewHub(0, s.logger, s.metrics)
	s.logs = steplog.NewRegistry(steplog.NewGormRepository(db.DB()), steplog.RegistryOptions{
		Sequencer:       seq,
		Observers:       []steplog.Observer{s.hub},
		Logger:          s.logger,
		Metrics:         s.metrics,
		MetadataSnippet: s.cfg.StepLog.MetadataSnippet,
	})

	// 组件计时
	s.timings = timing.NewGormRepository(db.DB())
	timerOpts := timing.OptionsFrom(s.cfg.Timing, s.logger, s.metrics)
	aggOpts := timing.AggregatorOptions{Logger: s.logger, Metrics: s.metrics}
	if s.cache != nil && s.cfg.Timing.SummaryCacheTTL > 0 {
		summaries := timing.NewRedisSummaryCache(s.cache, s.cfg.Timing.SummaryCacheTTL, s.logger)
		timerOpts.Summaries = summaries
		aggOpts.Cache = summaries
	}
	s.timer = timing.NewTimer(s.timings, timerOpts)
	aggOpts.Timer = s.timer
	s.aggregator = timing.NewAggregator(s.timings, aggOpts)

	// 会话追踪
	s.tracer = tracing.New(s.otel.TracerProvider(), s.cfg.Tracing, s.logger, s.metrics)
	storeOpts := tracestore.Options{Tracer: s.tracer, Logger: s.logger, Metrics: s.metrics}
	if s.cfg.Tracing.TokenModel != "" {
		storeOpts.Tokens = tracestore.NewTiktokenCounter(s.cfg.Tracing.TokenModel)
	}
	s.store = tracestore.NewStore(db, storeOpts)

	s.recorder = recorder.New(s.timer, s.logs, s.aggregator, recorder.Options{
		Store:  s.store,
		Logger: s.logger,
	})

	s.logger.Info("Backend initialized",
		zap.String("sequencer", s.cfg.StepLog.Sequencer),
		zap.Bool("async_persist", s.cfg.Timing.AsyncPersist),
	)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck(s.db.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck(s.cache.Ping))
	}

	s.sessionHandler = handlers.NewSessionHandler(handlers.SessionDeps{
		Timer:          s.timer,
		Timings:        s.timings,
		Aggregator:     s.aggregator,
		Logs:           s.logs,
		Hub:            s.hub,
		OriginPatterns: s.cfg.Server.CORSAllowedOrigins,
	}, s.logger)
	s.traceHandler = handlers.NewTraceHandler(s.store, s.logger)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routeSet 路由注册所需的 handler 集合
type routeSet struct {
	health   *handlers.HealthHandler
	sessions *handlers.SessionHandler
	traces   *handlers.TraceHandler
}

// newRouter 注册路由并套上中间件链，返回的 cancel 停止限流器的清理 goroutine
func newRouter(routes routeSet, cfg config.ServerConfig, jwt config.JWTConfig, collector *metrics.Collector, logger *zap.Logger) (http.Handler, context.CancelFunc) {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc(api.RouteHealth, routes.health.HandleHealth)
	mux.HandleFunc(api.RouteHealthz, routes.health.HandleHealth)
	mux.HandleFunc(api.RouteReady, routes.health.HandleReady)
	mux.HandleFunc(api.RouteVersion, routes.health.HandleVersion(Version, BuildTime, GitCommit))

	// 会话计时与执行日志
	if routes.sessions != nil {
		mux.HandleFunc(api.RouteSessionTimings, routes.sessions.HandleTimings)
		mux.HandleFunc(api.RouteSessionSummary, routes.sessions.HandleSummary)
		mux.HandleFunc(api.RouteSessionLogs, routes.sessions.HandleLogs)
		mux.HandleFunc(api.RouteSessionLogStream, routes.sessions.HandleLogStream)
	}

	// 会话追踪
	if routes.traces != nil {
		mux.HandleFunc(api.RouteTraces, routes.traces.HandleList)
		mux.HandleFunc(api.RouteTraceStats, routes.traces.HandleStats)
		mux.HandleFunc(api.RouteTrace, routes.traces.HandleGet)
	}

	// 中间件链：先执行的放在前面
	chain := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(collector),
		RequestLogger(logger),
		CORS(cfg.CORSAllowedOrigins),
	}
	if len(cfg.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(cfg.APIKeys, api.Public, cfg.AllowQueryAPIKey, logger))
	}
	if jwt.Enabled() {
		chain = append(chain, JWTAuth(jwt, api.Public, logger))
	}

	limiterCtx, cancel := context.WithCancel(context.Background())
	chain = append(chain, RateLimiter(limiterCtx, float64(cfg.RateLimitRPS), cfg.RateLimitBurst, logger))

	return Chain(mux, chain...), cancel
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	handler, cancel := newRouter(routeSet{
		health:   s.healthHandler,
		sessions: s.sessionHandler,
		traces:   s.traceHandler,
	}, s.cfg.Server, s.cfg.JWT, s.metrics, s.logger)
	s.rateLimiterCancel = cancel

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started",
		zap.Int("port", s.cfg.Server.HTTPPort),
		zap.String("listen_addr", s.httpManager.ListenAddr()),
		zap.Bool("tls", s.httpManager.TLSEnabled()),
	)
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	// metrics 端口异常不影响主服务，只记录
	go func(errs <-chan error) {
		if err, ok := <-errs; ok {
			s.logger.Error("Metrics server exited", zap.Error(err))
		}
	}(s.metricsManager.Errors())

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭：先停止接收请求，再排空计时写入和追踪缓冲，最后关闭连接
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil && s.metricsManager.IsRunning() {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 异步持久化队列排空
	if s.timer != nil {
		s.timer.Close()
	}
	if s.tracer != nil {
		s.tracer.Shutdown(ctx)
	}
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Storage close error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
