package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/state-gateway/internal/config"
	"github.com/dalfonso89/state-gateway/internal/metrics"
	"github.com/dalfonso89/state-gateway/internal/middleware"
	"github.com/dalfonso89/state-gateway/internal/models"
	"github.com/dalfonso89/state-gateway/internal/ratelimit"
)

const (
	ServiceName    = "gateway"
	ServiceVersion = "1.0.0"
)

// Aggregator merges the requested domains into one outcome
type Aggregator interface {
	Aggregate(ctx context.Context, requests []models.DomainRequest) (models.AggregateOutcome, error)
}

// HealthChecker reports the status of the upstream providers
type HealthChecker interface {
	Check(ctx context.Context) models.ExternalHealth
}

// HandlerConfig holds configuration for handlers
type HandlerConfig struct {
	Config        *config.Config
	Logger        *logrus.Logger
	Aggregator    Aggregator
	HealthChecker HealthChecker
	Metrics       *metrics.Recorder

	// RateLimiter is nil when rate limiting is disabled
	RateLimiter *ratelimit.Limiter

	// Gatherer backs /metrics/prometheus; nil uses the default gatherer
	Gatherer prometheus.Gatherer
}

// Handlers contains all HTTP handlers
type Handlers struct {
	config        *config.Config
	logger        *logrus.Logger
	aggregator    Aggregator
	healthChecker HealthChecker
	metrics       *metrics.Recorder
	rateLimiter   *ratelimit.Limiter
	gatherer      prometheus.Gatherer
	exemptPaths   map[string]bool
	startTime     time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(handlerConfig HandlerConfig) *Handlers {
	gatherer := handlerConfig.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	exemptPaths := make(map[string]bool)
	if handlerConfig.Config != nil {
		for _, path := range handlerConfig.Config.RateLimitExemptPaths {
			exemptPaths[path] = true
		}
	}

	return &Handlers{
		config:        handlerConfig.Config,
		logger:        handlerConfig.Logger,
		aggregator:    handlerConfig.Aggregator,
		healthChecker: handlerConfig.HealthChecker,
		metrics:       handlerConfig.Metrics,
		rateLimiter:   handlerConfig.RateLimiter,
		gatherer:      gatherer,
		exemptPaths:   exemptPaths,
		startTime:     time.Now(),
	}
}

// SetupRoutes configures all the routes using Gin
func (handlers *Handlers) SetupRoutes() *gin.Engine {
	router := gin.New()

	var allowedOrigins []string
	if handlers.config != nil {
		allowedOrigins = handlers.config.AllowedOrigins
	}

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(handlers.logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(allowedOrigins))

	if handlers.rateLimiter != nil {
		router.Use(handlers.rateLimitMiddleware())
	}

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/health/external", handlers.ExternalHealth)
	router.GET("/metrics", handlers.Metrics)
	router.GET("/metrics/prometheus", gin.WrapH(promhttp.HandlerFor(handlers.gatherer, promhttp.HandlerOpts{})))

	router.POST("/state", handlers.GetState)
	router.POST("/api/state", handlers.GetState)

	// preflight requests are answered by the CORS middleware
	router.OPTIONS("/*path", func(context *gin.Context) {})

	return router
}

// Root returns service information
func (handlers *Handlers) Root(context *gin.Context) {
	context.JSON(http.StatusOK, gin.H{
		"service":     "API Gateway",
		"version":     ServiceVersion,
		"description": "Aggregation gateway with caching, metrics and rate limiting",
		"endpoints": gin.H{
			"POST /state":             "Aggregate external API data",
			"GET /health":             "Health check",
			"GET /health/external":    "External API health status",
			"GET /metrics":            "API usage statistics",
			"GET /metrics/prometheus": "Prometheus metrics",
		},
		"features": []string{
			"Parallel API aggregation",
			fmt.Sprintf("Response caching (%s TTL)", handlers.cacheTTL()),
			fmt.Sprintf("Rate limiting (%s)", handlers.limitDescription()),
			"Real-time metrics",
			"External service monitoring",
		},
	})
}

// HealthCheck handles health check requests
func (handlers *Handlers) HealthCheck(context *gin.Context) {
	context.JSON(http.StatusOK, models.HealthCheck{
		Status:  "healthy",
		Service: ServiceName,
		Version: ServiceVersion,
		Uptime:  time.Since(handlers.startTime).Round(time.Second).String(),
	})
}

// ExternalHealth pings every upstream provider
func (handlers *Handlers) ExternalHealth(context *gin.Context) {
	if handlers.healthChecker == nil {
		handlers.writeErrorResponse(context, http.StatusServiceUnavailable, "Health checker unavailable", "not configured")
		return
	}
	context.JSON(http.StatusOK, handlers.healthChecker.Check(context.Request.Context()))
}

// Metrics returns the usage statistics
func (handlers *Handlers) Metrics(context *gin.Context) {
	topN := 5
	if handlers.config != nil && handlers.config.MetricsTopN > 0 {
		topN = handlers.config.MetricsTopN
	}
	context.JSON(http.StatusOK, handlers.metrics.Snapshot(topN))
}

// GetState aggregates the requested domains
func (handlers *Handlers) GetState(context *gin.Context) {
	var stateRequest models.StateRequest
	if bindError := context.ShouldBindJSON(&stateRequest); bindError != nil {
		handlers.writeErrorResponse(context, http.StatusBadRequest, "Invalid request body", bindError.Error())
		return
	}

	startTime := time.Now()
	handlers.metrics.RecordAttempt()

	// a panic below counts as a failed request before gin.Recovery answers
	completed := false
	defer func() {
		if !completed {
			handlers.metrics.RecordOutcome(false, time.Since(startTime), false)
		}
	}()

	domainRequests := stateRequest.DomainRequests()
	for _, domainRequest := range domainRequests {
		handlers.metrics.RecordDomainRequested(domainRequest.Kind, domainRequest.Identifier)
	}

	outcome, aggregateError := handlers.aggregator.Aggregate(context.Request.Context(), domainRequests)
	elapsed := time.Since(startTime)
	if aggregateError != nil {
		completed = true
		handlers.metrics.RecordOutcome(false, elapsed, false)
		handlers.logger.WithFields(logrus.Fields{
			"request_id": context.GetString(middleware.RequestIDKey),
			"error":      aggregateError.Error(),
		}).Error("Failed to aggregate data")
		handlers.writeErrorResponse(context, http.StatusInternalServerError, "Failed to aggregate data", aggregateError.Error())
		return
	}

	for kind, hit := range outcome.CacheHits {
		handlers.metrics.RecordDomainCache(kind, hit)
	}
	cached := outcome.Cached()
	completed = true
	handlers.metrics.RecordOutcome(true, elapsed, cached)

	response := make(gin.H, len(outcome.Results)+1)
	for kind, result := range outcome.Results {
		response[string(kind)] = result
	}
	response["_meta"] = models.ResponseMeta{
		ResponseTimeMs: math.Round(float64(elapsed)/float64(time.Millisecond)*100) / 100,
		APICalls:       len(domainRequests),
		Cached:         cached,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	context.JSON(http.StatusOK, response)
}

// writeErrorResponse writes an error response using Gin context
func (handlers *Handlers) writeErrorResponse(context *gin.Context, statusCode int, errorMessage, errorDetails string) {
	errorResponse := models.ErrorResponse{
		Error:   errorMessage,
		Message: errorDetails,
		Code:    statusCode,
	}

	context.JSON(statusCode, errorResponse)
}

// rateLimitMiddleware provides rate limiting using Gin middleware
func (handlers *Handlers) rateLimitMiddleware() gin.HandlerFunc {
	limit := strconv.Itoa(handlers.rateLimiter.Limit())

	return func(context *gin.Context) {
		if handlers.exemptPaths[context.Request.URL.Path] {
			context.Next()
			return
		}

		clientIP := handlers.rateLimiter.GetClientIP(context.Request)

		if !handlers.rateLimiter.Admit(clientIP) {
			retryAfter := retryAfterSeconds(handlers.rateLimiter.RetryAfter(clientIP))
			handlers.logger.WithFields(logrus.Fields{
				"client_ip":   clientIP,
				"path":        context.Request.URL.Path,
				"retry_after": retryAfter,
			}).Warn("Rate limit exceeded")

			context.Header("Retry-After", strconv.Itoa(retryAfter))
			context.Header("X-RateLimit-Limit", limit)
			context.Header("X-RateLimit-Remaining", "0")
			context.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
			context.AbortWithStatusJSON(http.StatusTooManyRequests, models.RateLimitResponse{
				Error:      "Rate limit exceeded",
				RetryAfter: retryAfter,
				Limit:      handlers.limitDescription(),
			})
			return
		}

		context.Header("X-RateLimit-Limit", limit)
		context.Header("X-RateLimit-Remaining", strconv.Itoa(handlers.rateLimiter.Remaining(clientIP)))
		context.Next()
	}
}

// limitDescription renders the limit as "60 requests/minute"
func (handlers *Handlers) limitDescription() string {
	if handlers.rateLimiter == nil {
		return "disabled"
	}
	window := handlers.rateLimiter.Window()
	if window == time.Minute {
		return fmt.Sprintf("%d requests/minute", handlers.rateLimiter.Limit())
	}
	return fmt.Sprintf("%d requests/%s", handlers.rateLimiter.Limit(), window)
}

func (handlers *Handlers) cacheTTL() time.Duration {
	if handlers.config == nil {
		return 0
	}
	return handlers.config.CacheTTL
}

// retryAfterSeconds rounds a wait up to whole seconds, at least one
func retryAfterSeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
