package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/qwengate/api/handlers"
	"github.com/BaSui01/qwengate/config"
	"github.com/BaSui01/qwengate/internal/metrics"
	"github.com/BaSui01/qwengate/internal/server"
	"github.com/BaSui01/qwengate/llm"
	llmfactory "github.com/BaSui01/qwengate/llm/factory"
	"github.com/BaSui01/qwengate/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wires the gateway: store, registry, router, HTTP surface and
// the metrics listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *store.Store
	registry *llm.Registry
	router   *llm.Router

	httpManager    *server.Manager
	metricsManager *server.Manager

	metricsCollector *metrics.Collector

	// bgCancel stops the rate-limiter sweep and the pool-stats loop.
	bgCancel context.CancelFunc
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start opens the store, loads providers and starts both listeners.
func (s *Server) Start(ctx context.Context) error {
	s.metricsCollector = metrics.NewCollector("qwengate", s.logger)

	st, err := store.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	// Database settings override env and file config.
	s.cfg.ApplySettings(ctx, st.Settings())

	factory := llmfactory.New(st, s.logger).WithObserver(s.metricsCollector)
	s.registry = llm.NewRegistry(factory, s.logger)
	loaded, err := s.registry.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	s.metricsCollector.SetProvidersRegistered(s.registry.Count())
	s.logger.Info("providers loaded", zap.Int("count", loaded))

	s.router = llm.NewRouter(s.registry, st.Settings(), s.logger)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.String("addr", s.cfg.Server.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	chatHandler := handlers.NewChatHandler(s.router, s.store.Settings(), s.store.RequestLogs(), s.logger).
		WithTimeout(s.cfg.Server.RequestTimeout).
		WithMetrics(s.metricsCollector)
	modelsHandler := handlers.NewModelsHandler(s.router, s.logger)
	healthHandler := handlers.NewHealthHandler(s.registry, s.logger)
	infoHandler := &handlers.InfoHandler{Version: Version}

	mux.Handle("/v1/chat/completions", chatHandler)
	mux.Handle("/v1/models", modelsHandler)
	mux.Handle("/health", healthHandler)
	mux.Handle("/", infoHandler)

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	go s.publishPoolStats(bgCtx)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSOrigins),
		RateLimiter(bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            s.cfg.Server.Addr(),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

// publishPoolStats refreshes the database pool gauges until ctx ends.
func (s *Server) publishPoolStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		stats := s.store.Stats()
		s.metricsCollector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a signal, then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown releases everything: listeners, providers (stopping their
// session sweeps), the rate limiter sweep, and the store.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.bgCancel != nil {
		s.bgCancel()
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
	if s.registry != nil {
		s.registry.Clear()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
