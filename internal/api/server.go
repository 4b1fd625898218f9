// Package api provides the HTTP surface of the KiroGate server: the
// Anthropic-compatible messages endpoints, the credential management API,
// and the operational endpoints for health, metrics, and model cards.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/api/handlers"
	"github.com/router-for-me/KiroGateAPI/internal/api/middleware"
	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/buildinfo"
	"github.com/router-for-me/KiroGateAPI/internal/config"
	"github.com/router-for-me/KiroGateAPI/internal/logging"
	"github.com/router-for-me/KiroGateAPI/internal/orchestrator"
	"github.com/router-for-me/KiroGateAPI/internal/store"
	"github.com/router-for-me/KiroGateAPI/internal/translator"
)

// Server wires the gin engine, middleware stack, and route handlers around a
// single listening http.Server.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// cfg holds the server configuration.
	cfg *config.Config

	store *store.Store
	orc   *orchestrator.Orchestrator
	cache *kiro.Cache
}

// NewServer builds the engine, installs the middleware chain, and registers
// every route. The returned server is ready for Start.
func NewServer(cfg *config.Config, s *store.Store, orc *orchestrator.Orchestrator, cache *kiro.Cache) *Server {
	// Set gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	middleware.SetMetricsEnabled(cfg.MetricsEnabled)

	// Add middleware
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())
	engine.Use(middleware.ConnectionTrackerMiddleware())
	engine.Use(middleware.RequestDecompressionMiddleware())
	engine.Use(middleware.RequestTimeoutMiddleware(cfg.RequestTimeout))
	engine.Use(middleware.PrometheusMiddleware())

	srv := &Server{
		engine: engine,
		cfg:    cfg,
		store:  s,
		orc:    orc,
		cache:  cache,
	}
	srv.setupRoutes()

	srv.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return srv
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	messages := handlers.NewMessagesHandler(s.orc)
	models := handlers.NewModelsHandler()
	tokens := handlers.NewTokensHandler(s.store, s.cache)
	customAPIs := handlers.NewCustomAPIsHandler(s.store)
	logs := handlers.NewLogsHandler()

	apiKeyAuth := middleware.APIKeyAuth(s.store)
	adminAuth := middleware.AdminAuth(s.cfg.AdminKey)

	// Liveness endpoint for load balancers and container probes.
	s.engine.GET("/health", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
	})

	// Prometheus metrics endpoint for observability
	metricsHandler := middleware.MetricsHandler()
	s.engine.GET("/metrics", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		metricsHandler(c)
	})

	// Model cards are static and public.
	s.engine.GET("/v1/models", models.List)

	// Anthropic compatible API routes
	v1 := s.engine.Group("/v1")
	v1.Use(apiKeyAuth)
	{
		v1.POST("/messages", messages.Messages)
		v1.POST("/messages/count_tokens", messages.CountTokens)
	}

	// Claude Code variant: buffered streaming with corrected input_tokens.
	cc := s.engine.Group("/cc/v1")
	cc.Use(apiKeyAuth)
	{
		cc.POST("/messages", messages.MessagesCC)
	}

	// Credential management, scoped to the authenticated user.
	user := s.engine.Group("/user/api")
	user.Use(apiKeyAuth)
	{
		user.POST("/tokens", tokens.Create)
		user.GET("/tokens", tokens.List)
		user.DELETE("/tokens/:id", tokens.Delete)

		user.GET("/custom-apis", customAPIs.List)
		user.POST("/custom-apis", customAPIs.Create)
		user.PUT("/custom-apis/:id", customAPIs.Update)
		user.PATCH("/custom-apis/:id/status", customAPIs.SetStatus)
		user.DELETE("/custom-apis/:id", customAPIs.Delete)
	}

	// Admin routes ignore ownership. AdminAuth returns 404 when no admin key
	// is configured, so the surface stays invisible by default.
	admin := s.engine.Group("/admin/api")
	admin.Use(adminAuth)
	{
		admin.GET("/tokens", tokens.AdminList)
		admin.DELETE("/tokens/:id", tokens.AdminDelete)

		admin.GET("/custom-apis", customAPIs.AdminList)
		admin.PUT("/custom-apis/:id", customAPIs.AdminUpdate)
		admin.PATCH("/custom-apis/:id/status", customAPIs.AdminSetStatus)
		admin.DELETE("/custom-apis/:id", customAPIs.AdminDelete)

		admin.GET("/logs", logs.Recent)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.Data(http.StatusNotFound, "application/json",
			translator.BuildAnthropicError(http.StatusNotFound, "Not found."))
	})
}

// Handler exposes the configured engine, mainly for httptest in route tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving and blocks until the listener closes. A graceful
// shutdown is not reported as an error.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}

	log.Infof("API server listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}

	log.Debug("API server stopped")
	return nil
}

// corsMiddleware adds permissive CORS headers so browser-based consoles can
// call the management API directly.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
