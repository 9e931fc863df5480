package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/state-gateway/internal/api"
	"github.com/dalfonso89/state-gateway/internal/cache"
	"github.com/dalfonso89/state-gateway/internal/clock"
	"github.com/dalfonso89/state-gateway/internal/config"
	"github.com/dalfonso89/state-gateway/internal/logger"
	"github.com/dalfonso89/state-gateway/internal/lookup"
	"github.com/dalfonso89/state-gateway/internal/metrics"
	"github.com/dalfonso89/state-gateway/internal/platform"
	"github.com/dalfonso89/state-gateway/internal/ratelimit"
	"github.com/dalfonso89/state-gateway/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)

	// Prometheus registry with the process collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Optional Redis mirror of the popularity counters
	var statsWorker *metrics.StatsWorker
	var statsSink metrics.StatsSink
	if cfg.RedisStatsEnabled {
		redisClient := metrics.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisClient.Close()

		pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
		if pingError := redisClient.Ping(pingCtx).Err(); pingError != nil {
			logger.WithError(pingError).Warn("Redis unreachable, popularity stats will be retried on flush")
		}
		cancelPing()

		statsWorker = metrics.NewStatsWorker(metrics.NewRedisPopularityStore(redisClient, cfg.RedisStatsPrefix), 0, logger)
		statsWorker.Start()
		statsSink = statsWorker
	}

	recorder, err := metrics.NewRecorder(registry, statsSink)
	if err != nil {
		logger.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Initialize services
	providers := service.NewProviderFactory(cfg, logger).CreateProviders()
	aggregator := service.NewAggregator(lookup.DefaultTable(), cache.New(cfg.CacheTTL, clock.Real{}), logger, providers...)
	healthChecker := service.NewExternalHealthChecker(cfg, logger)

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		rateLimiter = ratelimit.NewLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, clock.Real{}, logger)
		rateLimiter.Start()
	}

	// Initialize HTTP handlers
	handlerConfig := api.HandlerConfig{
		Config:        cfg,
		Logger:        logger,
		Aggregator:    aggregator,
		HealthChecker: healthChecker,
		Metrics:       recorder,
		RateLimiter:   rateLimiter,
		Gatherer:      registry,
	}
	handlers := api.NewHandlers(handlerConfig)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := handlers.SetupRoutes()

	// Setup HTTP server; the write timeout leaves room for a provider timeout
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.EconomyProvider.Timeout + 15*time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"port":       cfg.Port,
			"cache_ttl":  cfg.CacheTTL.String(),
			"rate_limit": cfg.RateLimitEnabled,
			"redis":      cfg.RedisStatsEnabled,
		}).Info("Starting gateway")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Create a shutdown context that works across platforms
	shutdownCtx, stop := platform.NewShutdownContext(context.Background())
	defer stop()
	<-shutdownCtx.Done()

	logger.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	if rateLimiter != nil {
		rateLimiter.Stop()
	}
	if statsWorker != nil {
		if err := statsWorker.Stop(ctx); err != nil {
			logger.WithError(err).Warn("Popularity stats were not fully flushed")
		}
	}

	logger.Info("Server exited")
}
