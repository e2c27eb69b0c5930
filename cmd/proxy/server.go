// Package main provides the llmgate server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaymesh/llmgate/config"
	"github.com/relaymesh/llmgate/internal/cache"
	"github.com/relaymesh/llmgate/internal/database"
	"github.com/relaymesh/llmgate/internal/metrics"
	"github.com/relaymesh/llmgate/internal/server"
	"github.com/relaymesh/llmgate/internal/telemetry"
	"github.com/relaymesh/llmgate/internal/userstore"
	"github.com/relaymesh/llmgate/llm/budget"
	"github.com/relaymesh/llmgate/llm/dialect"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/keypool"
	"github.com/relaymesh/llmgate/llm/preprocessor"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/llm/queue"
	"github.com/relaymesh/llmgate/llm/response"
	"github.com/relaymesh/llmgate/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 llmgate 的主服务器：持有网关的每一层（Key Pool、预处理链、请求队列、
// 响应处理器）并把它们接到 HTTP ingress 上。
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	db         *gorm.DB
	otel       *telemetry.Providers

	keys       *keypool.Aggregate
	registry   *providers.Registry
	checkers   []*keychecker.Checker
	users      *userstore.Store
	chain      *preprocessor.Chain
	queue      *queue.Queue
	respHandler *response.Handler

	// dbPool wraps db with connection-pool limits and health checking; nil
	// whenever db is nil.
	dbPool *database.PoolManager
	// cache backs the /v1/models listing and the risu-token verification
	// cache; nil when Redis is unreachable at startup (cache-miss behavior
	// degrades to always recomputing, never a hard failure).
	cache *cache.Manager
	// budget enforces the proxy-wide token/cost ceiling; nil when disabled.
	budget *budget.TokenBudgetManager

	validators      map[types.APIFormat]func([]byte, dialect.Limits) (*types.ChatRequest, error)
	chainLimits     dialect.Limits
	allowedFamilies map[string]bool

	httpManager    *server.Manager
	metricsManager *server.Manager

	metricsCollector *metrics.Collector

	hotReloadManager *config.HotReloadManager

	queueCtx    context.Context
	queueCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例。db 可以为 nil（无持久化，纯内存 Key Pool/用户存储）。
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		db:         db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("llmgate", s.logger)

	s.wireDomain()

	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	s.queueCtx, s.queueCancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.queue.Run(s.queueCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.users.Run(s.queueCtx, 20*time.Second)
	}()

	for _, c := range s.checkers {
		c := c
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.Run(s.queueCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollMetrics(s.queueCtx)
	}()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// wireDomain builds the Key Pool, provider registry, key checkers, user
// store, preprocessor chain, request queue, and response handler from
// s.cfg — the actual gateway, as distinct from the HTTP/metrics servers
// fronting it.
func (s *Server) wireDomain() {
	s.keys = bootstrapKeys(s.cfg.Providers, s.db, s.logger)
	s.registry = bootstrapRegistry(s.keys)
	if s.cfg.Proxy.CheckKeys {
		s.checkers = bootstrapCheckers(s.keys, s.logger)
	}

	if s.db != nil {
		poolCfg := database.PoolConfig{
			MaxIdleConns:        s.cfg.Database.MaxIdleConns,
			MaxOpenConns:        s.cfg.Database.MaxOpenConns,
			ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime:     10 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
		}
		pm, err := database.NewPoolManager(s.db, poolCfg, s.logger)
		if err != nil {
			s.logger.Warn("failed to wrap database in pool manager", zap.Error(err))
		} else {
			s.dbPool = pm
		}
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = s.cfg.Redis.Addr
	cacheCfg.Password = s.cfg.Redis.Password
	cacheCfg.DB = s.cfg.Redis.DB
	cacheCfg.PoolSize = s.cfg.Redis.PoolSize
	cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
	if mgr, err := cache.NewManager(cacheCfg, s.logger); err != nil {
		s.logger.Warn("cache unavailable, /v1/models and risu-token checks run uncached", zap.Error(err))
	} else {
		s.cache = mgr
	}

	if s.cfg.Budget.Enabled {
		s.budget = budget.NewTokenBudgetManager(budget.BudgetConfig{
			MaxTokensPerRequest: s.cfg.Budget.MaxTokensPerRequest,
			MaxTokensPerMinute:  s.cfg.Budget.MaxTokensPerMinute,
			MaxTokensPerHour:    s.cfg.Budget.MaxTokensPerHour,
			MaxTokensPerDay:     s.cfg.Budget.MaxTokensPerDay,
			MaxCostPerRequest:   s.cfg.Budget.MaxCostPerRequest,
			MaxCostPerDay:       s.cfg.Budget.MaxCostPerDay,
			AlertThreshold:      s.cfg.Budget.AlertThreshold,
			AutoThrottle:        s.cfg.Budget.AutoThrottle,
			ThrottleDelay:       s.cfg.Budget.ThrottleDelay,
		}, s.logger)
		s.budget.OnAlert(func(alert budget.Alert) {
			s.logger.Warn("token budget alert",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		})
	}

	var persist userstore.Persister
	if s.db != nil {
		persist = &userstore.GormPersister{DB: s.db}
	}
	userCfg := userstore.Config{
		MaxIPsPerUser: s.cfg.Limits.MaxIPsPerUser,
		MaxIPsAutoBan: s.cfg.Limits.MaxIPsAutoBan,
	}
	if s.db != nil {
		loaded, err := userstore.LoadUsers(s.db, userCfg, persist, s.logger)
		if err != nil {
			s.logger.Error("failed to load persisted users, starting empty", zap.Error(err))
			loaded = userstore.New(userCfg, persist, s.logger)
		}
		s.users = loaded
	} else {
		s.users = userstore.New(userCfg, persist, s.logger)
	}

	s.chainLimits = dialect.DefaultLimits()
	s.validators = map[types.APIFormat]func([]byte, dialect.Limits) (*types.ChatRequest, error){
		types.FormatOpenAI:        dialect.ValidateOpenAI,
		types.FormatOpenAIText:    dialect.ValidateOpenAI,
		types.FormatOpenAIImage:   dialect.ValidateOpenAIImage,
		types.FormatAnthropicText: dialect.ValidateAnthropicText,
		types.FormatAnthropicChat: dialect.ValidateAnthropicChat,
		types.FormatGoogleAI:      dialect.ValidateGoogleAI,
		types.FormatMistralAI:     dialect.ValidateMistral,
	}

	s.allowedFamilies = make(map[string]bool, len(s.cfg.Limits.AllowedModelFamilies))
	for _, f := range s.cfg.Limits.AllowedModelFamilies {
		s.allowedFamilies[f] = true
	}

	maxContext, maxOutput := s.cfg.Limits.AsServiceMaps()
	s.chain = preprocessor.New(preprocessor.Config{
		InboundValidators:     s.validators,
		Limits:                s.chainLimits,
		Users:                 s.users,
		MaxContextTokens:      maxContext,
		MaxOutputTokens:       maxOutput,
		AllowedVisionServices: map[types.Service]bool{types.ServiceOpenAI: true, types.ServiceAnthropic: true, types.ServiceGoogleAI: true},
		BeforeTransform:       resolveUpstreamFamily,
		Budget:                s.budget,
	})

	s.queue = queue.New(queue.Config{
		MaxPerIdentifier: 1,
	}, s.keys, s.logger)

	s.respHandler = response.New(response.Config{
		Keys:   s.keys,
		Queue:  s.queue,
		Budget: s.budget,
		Logger: func(format string, args ...any) {
			s.logger.Sugar().Debugf(format, args...)
		},
	})
}

// pollMetrics periodically samples queue depth/wait, key pool availability,
// and database connection-pool stats into s.metricsCollector — all gauges
// that have no natural per-request call site to update from.
func (s *Server) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, family := range types.AllModelFamilies() {
				s.metricsCollector.SetQueueDepth(string(family), s.queue.Len(family))
				s.metricsCollector.SetQueueWait(string(family), s.queue.EstimatedWaitTime(family))
				service, ok := types.ServiceForFamily(family)
				if !ok {
					continue
				}
				s.metricsCollector.SetKeyPoolAvailable(string(service), string(family), s.keys.AvailableFamily(family))
			}
			if s.dbPool != nil {
				stats := s.dbPool.Stats()
				s.metricsCollector.SetDBConnections("primary", stats.OpenConnections, stats.Idle)
			}
		}
	}
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("configuration reloaded")
		s.cfg = newConfig
	})

	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/version", s.handleVersion)

	s.registerIngress(mux)

	skipPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		CORS(nil),
		RateLimiter(s.queueCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		Gatekeeper(string(s.cfg.Gatekeeper.Mode), s.cfg.Gatekeeper.ProxyKey, s.users, skipPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok"}`)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"not_ready","reason":%q}`, err.Error())
				return
			}
		}
	}
	fmt.Fprintf(w, `{"status":"ready"}`)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"version":%q,"build_time":%q,"git_commit":%q}`, Version, BuildTime, GitCommit)
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

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

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
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

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown...")

	ctx := context.Background()

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("hot reload manager shutdown error", zap.Error(err))
		}
	}

	if s.queue != nil {
		s.queue.Stop()
	}
	for _, c := range s.checkers {
		c.Stop()
	}
	if s.queueCancel != nil {
		s.queueCancel()
	}
	if s.users != nil {
		s.users.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database pool shutdown error", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("graceful shutdown completed")
}
