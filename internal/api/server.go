// Package api wires the gateway's HTTP surface: middleware pipeline,
// REST routes, the JSON-RPC transports, the WebSocket upgrade path, and
// health/metrics.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knowledge-mesh/knowledge-mesh/internal/api/websocket"
	"github.com/knowledge-mesh/knowledge-mesh/internal/core"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/auth"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/config"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/mcp"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/middleware"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// Server is the gateway HTTP dispatcher
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig

	authService *auth.Service
	rateLimiter *middleware.RateLimiter
	sanitizer   *middleware.Sanitizer
	hub         *websocket.Hub
	rpcRouter   *mcp.Router
	health      *core.HealthAggregator
	graph       core.GraphService
	analyzer    core.CodeAnalyzer
	bus         *events.Bus

	renderer *errorRenderer
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// Dependencies carries everything the dispatcher wires together
type Dependencies struct {
	Config      *config.Config
	AuthService *auth.Service
	RateLimiter *middleware.RateLimiter
	Hub         *websocket.Hub
	RPCRouter   *mcp.Router
	Health      *core.HealthAggregator
	Graph       core.GraphService
	Analyzer    core.CodeAnalyzer
	Bus         *events.Bus
	Logger      observability.Logger
	Metrics     observability.MetricsClient
}

// NewServer builds the engine and registers all routes
func NewServer(deps Dependencies) *Server {
	if !deps.Config.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:      gin.New(),
		cfg:         deps.Config.Server,
		authService: deps.AuthService,
		rateLimiter: deps.RateLimiter,
		sanitizer:   middleware.NewSanitizer(),
		hub:         deps.Hub,
		rpcRouter:   deps.RPCRouter,
		health:      deps.Health,
		graph:       deps.Graph,
		analyzer:    deps.Analyzer,
		bus:         deps.Bus,
		renderer: &errorRenderer{
			logger:      deps.Logger,
			development: deps.Config.IsDevelopment(),
		},
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

// Engine exposes the gin engine, mainly for tests
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupMiddleware() {
	s.engine.Use(s.requestIDMiddleware())
	s.engine.Use(s.securityHeadersMiddleware())
	s.engine.Use(s.corsMiddleware())
	s.engine.Use(s.renderer.recovery())
	s.engine.Use(s.requestLoggerMiddleware())
	s.engine.NoRoute(s.renderer.notFoundHandler())
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket upgrades authenticate inside the hub; the shared gate
	// would write envelope bodies onto a raw socket.
	s.engine.GET("/ws", s.hub.HandleUpgrade)

	sanitize := s.sanitizer.Middleware()
	gate := s.authService.GinMiddleware()
	defaultLimit := s.rateLimiter.Middleware(middleware.DefaultRateLimit())
	searchLimit := s.rateLimiter.Middleware(middleware.SearchRateLimit())
	adminLimit := s.rateLimiter.Middleware(middleware.AdminRateLimit())

	v1 := s.engine.Group("/api/v1", sanitize)
	{
		v1.POST("/auth/refresh", defaultLimit, gate, s.handleRefresh)

		graph := v1.Group("/graph", gate)
		{
			graph.GET("/search", searchLimit, s.handleGraphSearch)
			graph.GET("/entity/:id", defaultLimit, s.handleGraphEntity)
			graph.GET("/entities/:id/relationships", defaultLimit, s.handleGraphRelationships)
		}

		v1.POST("/code/analyze", defaultLimit, gate, s.handleCodeAnalyze)

		admin := v1.Group("/admin", adminLimit, gate)
		{
			admin.POST("/sync", s.handleAdminSync)
			admin.GET("/stats", s.handleAdminStats)
		}
	}

	trpc := s.engine.Group("/api/trpc", sanitize, defaultLimit, gate)
	{
		trpc.POST("", s.handleRPC)
		trpc.POST("/*procedure", s.handleRPC)
	}

	mcpGroup := s.engine.Group("/mcp", sanitize, defaultLimit, gate)
	{
		mcpGroup.POST("", s.handleRPC)
		mcpGroup.GET("/tools", s.handleMCPTools)
		mcpGroup.POST("/tools/:name", s.handleMCPToolCall)
		mcpGroup.GET("/health", s.handleMCPHealth)
		mcpGroup.GET("/metrics", s.handleMCPMetrics)
		mcpGroup.GET("/history", s.handleMCPHistory)
		mcpGroup.GET("/performance", s.handleMCPPerformance)
		mcpGroup.GET("/stats", s.handleMCPStats)
	}
}

// requestIDMiddleware assigns or propagates X-Request-ID
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(auth.RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// corsMiddleware echoes the allowed origin and short-circuits preflight
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			if s.cfg.AllowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			if method := c.GetHeader("Access-Control-Request-Method"); method != "" {
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			}
			if headers := c.GetHeader("Access-Control-Request-Headers"); headers != "" {
				c.Header("Access-Control-Allow-Headers", headers)
			}
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) requestLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   duration.String(),
			"request_id": c.GetString(auth.RequestIDKey),
			"ip":         c.ClientIP(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Error("Request completed", fields)
		} else {
			s.logger.Info("Request completed", fields)
		}

		if s.metrics != nil {
			s.metrics.RecordHistogram("http_request_duration_seconds", duration.Seconds(), map[string]string{
				"method": c.Request.Method,
				"status": strconv.Itoa(c.Writer.Status()),
			})
		}
	}
}

// respond wraps a payload in the success envelope
func (s *Server) respond(c *gin.Context, status int, data interface{}) {
	requestID := c.GetString(auth.RequestIDKey)
	c.JSON(status, models.NewSuccessEnvelope(requestID, data))
}

// handleHealth aggregates subsystem probes with the MCP tool summary
func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Check(c.Request.Context())

	status := http.StatusOK
	if report.Status == core.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	s.respond(c, status, gin.H{
		"status":   report.Status,
		"services": report.Services,
		"uptime":   report.Uptime,
		"mcp": gin.H{
			"tools":      s.rpcRouter.Registry().Count(),
			"validation": "enabled",
		},
	})
}

// handleAdminSync announces a graph resync on the bus. The heavy
// lifting happens in the collaborator; the gateway records intent and
// notifies subscribers.
func (s *Server) handleAdminSync(c *gin.Context) {
	authCtx, _ := auth.FromGinContext(c)
	initiator := ""
	if authCtx != nil {
		initiator = authCtx.User
	}

	s.bus.Emit(events.Event{
		Type:   events.TypeSyncStatus,
		Source: "admin",
		Data: map[string]interface{}{
			"status":      "requested",
			"initiatedBy": initiator,
		},
	})

	s.respond(c, http.StatusAccepted, gin.H{"status": "sync requested"})
}

// handleAdminStats exposes process-local diagnostics
func (s *Server) handleAdminStats(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{
		"rateLimiter":     s.rateLimiter.Stats(),
		"websocket":       s.hub.Stats(),
		"refreshSessions": s.authService.RefreshStore().SessionCount(),
		"tools":           s.rpcRouter.Recorder().Stats(),
	})
}

// Start begins serving; it blocks until the listener fails or closes
func (s *Server) Start() error {
	s.logger.Info("Gateway listening", map[string]interface{}{
		"address": s.cfg.ListenAddress,
	})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the WebSocket hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown(ctx)
	s.rateLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
