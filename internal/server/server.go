// Package server assembles churnwatch: storage, detection, alerting, the task
// runner, the cron scheduler and the HTTP/WebSocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/api/middleware"
	"github.com/kubilitics/churnwatch/internal/api/rest"
	"github.com/kubilitics/churnwatch/internal/api/websocket"
	"github.com/kubilitics/churnwatch/internal/config"
	"github.com/kubilitics/churnwatch/internal/service"
)

// Server represents the churnwatch server
type Server struct {
	config *config.Config
	logger *zap.Logger

	components *Components
	hub        *websocket.Hub
	scheduler  *service.Scheduler

	// HTTP server
	handler    http.Handler
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new churnwatch server
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents initializes all server components
func (s *Server) initializeComponents() error {
	// 1. WebSocket hub; services push through it
	s.hub = websocket.NewHub(s.ctx, s.logger)

	// 2. Storage, detection, alerting and services
	components, err := NewComponents(s.config, s.logger, s.hub)
	if err != nil {
		return err
	}
	s.components = components

	// 3. Scheduler (if enabled)
	s.scheduler = service.NewScheduler(s.logger)
	if s.config.Scheduler.Enabled {
		for _, job := range components.Jobs() {
			if err := s.scheduler.Register(job); err != nil {
				_ = components.Close(context.Background())
				return err
			}
		}
	}

	// 4. HTTP routes
	handler, err := s.buildHandler()
	if err != nil {
		_ = components.Close(context.Background())
		return err
	}
	s.handler = handler
	return nil
}

// buildHandler wires the REST API, the WebSocket groups and the middleware chain.
func (s *Server) buildHandler() (http.Handler, error) {
	c := s.components

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.StructuredLog(s.logger))
	router.Use(middleware.Tracing)
	router.Use(middleware.SecureHeaders)

	api := rest.NewHandler(rest.Deps{
		Store:     c.Repo,
		Alerts:    c.Engine,
		Detection: c.Detection,
		Events:    c.Events,
		Model:     c.Detector,
		Monitor:   c.Monitor,
	}, s.logger)
	rest.SetupSystemRoutes(router, api)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.MaxBodySize(middleware.DefaultMaxBodyBytes))
	if s.config.Server.RateLimitEnabled {
		limiter, err := middleware.NewRateLimiter(0)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		apiRouter.Use(limiter.Middleware)
	}
	rest.SetupRoutes(apiRouter, api)

	ws := websocket.NewHandler(s.ctx, s.hub, c.Repo, c.Detection, c.Detection)
	router.HandleFunc("/ws/alerts", ws.ServeAlerts)
	router.HandleFunc("/ws/watchlist", ws.ServeWatchlist)
	router.HandleFunc("/ws/predictions", ws.ServePredictions)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Trace-ID"},
		AllowCredentials: true,
	})
	return corsHandler.Handler(router), nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Components returns the assembled services.
func (s *Server) Components() *Components {
	return s.components
}

// Start starts the hub, the task runner, the scheduler and the HTTP listener.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	s.components.Runner.Start(s.ctx)

	if s.config.Scheduler.Enabled {
		s.scheduler.Start()
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.handler,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server", zap.Int("port", s.config.Server.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
			s.cancel()
		}
	}()

	s.logger.Info("churnwatch server started",
		zap.String("database", s.config.Database.Type),
		zap.Bool("redis_cooldown", s.config.Redis.URL != ""),
		zap.Bool("scheduler", s.config.Scheduler.Enabled),
		zap.Strings("jobs", s.scheduler.Jobs()),
	)
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping churnwatch server")

	timeout := time.Duration(s.config.Server.ShutdownTimeoutSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down HTTP server", zap.Error(err))
		}
	}

	if s.config.Scheduler.Enabled {
		s.scheduler.Stop()
	}
	s.hub.Stop()

	if err := s.components.Close(shutdownCtx); err != nil {
		s.logger.Error("error releasing components", zap.Error(err))
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info("churnwatch server stopped")
	return nil
}

// Done is closed when the server stops or the HTTP listener fails.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
