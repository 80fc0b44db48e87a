// Command gateway runs the knowledge-mesh API gateway: one HTTP server
// multiplexing the REST surface, the JSON-RPC tool router, and the
// WebSocket event stream behind a shared auth and rate-limit pipeline.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/knowledge-mesh/knowledge-mesh/internal/api"
	"github.com/knowledge-mesh/knowledge-mesh/internal/api/websocket"
	"github.com/knowledge-mesh/knowledge-mesh/internal/core"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/auth"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/cache"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/config"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/events"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/mcp"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/middleware"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

func main() {
	configFile := flag.String("config", "", "optional config file path")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		observability.NewStandardLogger("gateway").Fatal("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := observability.NewStandardLoggerWithLevel("gateway", observability.ParseLogLevel(cfg.LogLevel))
	metrics := observability.NewPrometheusMetricsClient("knowledge_mesh")
	defer func() { _ = metrics.Close() }()

	verifyCache := buildVerifyCache(cfg, logger)
	defer func() { _ = verifyCache.Close() }()

	catalogue := auth.DefaultScopeCatalogue()
	registry := auth.NewKeyRegistry(cfg.Keys, verifyCache, logger.WithPrefix("keys"))
	refreshStore := auth.NewRefreshSessionStore(logger.WithPrefix("refresh"))
	authService := auth.NewService(cfg.Auth, registry, refreshStore, catalogue, logger.WithPrefix("auth"))

	if !authService.Enforced() {
		logger.Warn("No credential mechanism configured; all requests will be granted", nil)
	}

	bus := events.NewBus(logger.WithPrefix("events"), metrics)
	hub := websocket.NewHub(authService, bus, logger.WithPrefix("ws"), metrics)
	hub.Start()

	graph := core.NewResilientGraph(core.NewMemoryGraph(), logger.WithPrefix("graph"))
	analyzer := core.UnconfiguredAnalyzer{}

	toolRegistry := mcp.NewRegistry()
	if err := core.RegisterCoreTools(toolRegistry, graph, analyzer, bus); err != nil {
		logger.Fatal("Failed to register tools", map[string]interface{}{"error": err.Error()})
	}
	rpcRouter := mcp.NewRouter(toolRegistry, mcp.NewRecorder(metrics), logger.WithPrefix("mcp"))

	health := core.NewHealthAggregator(logger.WithPrefix("health"))
	health.RegisterProbe("graph", graph.HealthCheck)
	health.RegisterProbe("cache", func(ctx context.Context) error {
		return verifyCache.Set(ctx, "health:probe", "ok", 0)
	})

	rateLimiter := middleware.NewRateLimiter(logger.WithPrefix("ratelimit"), metrics)

	server := api.NewServer(api.Dependencies{
		Config:      cfg,
		AuthService: authService,
		RateLimiter: rateLimiter,
		Hub:         hub,
		RPCRouter:   rpcRouter,
		Health:      health,
		Graph:       graph,
		Analyzer:    analyzer,
		Bus:         bus,
		Logger:      logger,
		Metrics:     metrics,
	})

	if cfg.History.Enabled {
		logger.Info("History scheduler toggles forwarded to collaborator", map[string]interface{}{
			"retention_days":            cfg.History.RetentionDays,
			"checkpoint_hops":           cfg.History.CheckpointHops,
			"prune_interval_hours":      cfg.History.PruneIntervalHours,
			"checkpoint_interval_hours": cfg.History.CheckpointIntervalHours,
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown did not complete cleanly", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.Info("Gateway stopped", nil)
}

// buildVerifyCache selects Redis when configured, an in-process LRU
// otherwise.
func buildVerifyCache(cfg *config.Config, logger observability.Logger) cache.Cache {
	if cfg.Cache.RedisAddress != "" {
		redisCache, err := cache.NewRedisCache(context.Background(), cache.RedisConfig{
			Address:  cfg.Cache.RedisAddress,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   cfg.Cache.KeyPrefix,
		})
		if err == nil {
			logger.Info("Using Redis verification cache", map[string]interface{}{
				"address": cfg.Cache.RedisAddress,
			})
			return redisCache
		}
		logger.Warn("Redis unavailable, falling back to in-process cache", map[string]interface{}{
			"error": err.Error(),
		})
	}

	memoryCache, err := cache.NewMemoryCache(cfg.Cache.LRUSize)
	if err != nil {
		logger.Fatal("Failed to build cache", map[string]interface{}{"error": err.Error()})
	}
	return memoryCache
}
