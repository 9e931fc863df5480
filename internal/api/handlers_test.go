package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalfonso89/state-gateway/internal/clock"
	"github.com/dalfonso89/state-gateway/internal/metrics"
	"github.com/dalfonso89/state-gateway/internal/models"
	"github.com/dalfonso89/state-gateway/internal/ratelimit"
	"github.com/dalfonso89/state-gateway/internal/testutils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockAggregator is a mock implementation of Aggregator for testing
type MockAggregator struct {
	mu       sync.Mutex
	outcome  models.AggregateOutcome
	err      error
	panics   bool
	received [][]models.DomainRequest
}

func (m *MockAggregator) Aggregate(ctx context.Context, requests []models.DomainRequest) (models.AggregateOutcome, error) {
	m.mu.Lock()
	m.received = append(m.received, requests)
	m.mu.Unlock()

	if m.panics {
		panic("aggregator exploded")
	}
	return m.outcome, m.err
}

func (m *MockAggregator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

// MockHealthChecker is a mock implementation of HealthChecker for testing
type MockHealthChecker struct {
	health models.ExternalHealth
}

func (m *MockHealthChecker) Check(ctx context.Context) models.ExternalHealth {
	return m.health
}

type testHandlers struct {
	handlers   *Handlers
	router     *gin.Engine
	aggregator *MockAggregator
	recorder   *metrics.Recorder
	limiter    *ratelimit.Limiter
	clock      *clock.Fake
}

func newTestHandlers(t *testing.T, aggregator *MockAggregator) *testHandlers {
	t.Helper()

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry, nil)
	require.NoError(t, err)

	configuration := testutils.MockConfig()
	fakeClock := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	limiter := ratelimit.NewLimiter(configuration.RateLimitRequests, configuration.RateLimitWindow, fakeClock, testutils.MockLogger())

	handlers := NewHandlers(HandlerConfig{
		Config:     configuration,
		Logger:     testutils.MockLogger(),
		Aggregator: aggregator,
		HealthChecker: &MockHealthChecker{health: models.ExternalHealth{
			Status:   "all systems operational",
			Services: map[string]string{"coingecko": "healthy"},
		}},
		Metrics:     recorder,
		RateLimiter: limiter,
		Gatherer:    registry,
	})

	return &testHandlers{
		handlers:   handlers,
		router:     handlers.SetupRoutes(),
		aggregator: aggregator,
		recorder:   recorder,
		limiter:    limiter,
		clock:      fakeClock,
	}
}

func (th *testHandlers) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.RemoteAddr = "192.0.2.10:4321"
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for header, value := range headers {
		request.Header.Set(header, value)
	}

	recorder := httptest.NewRecorder()
	th.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestNewHandlers(t *testing.T) {
	aggregator := &MockAggregator{}
	th := newTestHandlers(t, aggregator)

	require.NotNil(t, th.handlers)
	assert.True(t, th.handlers.exemptPaths["/health"])
	assert.True(t, th.handlers.exemptPaths["/metrics/prometheus"])
	assert.False(t, th.handlers.exemptPaths["/state"])
}

func TestHandlers_HealthCheck(t *testing.T) {
	th := newTestHandlers(t, &MockAggregator{})

	recorder := th.do(http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "gateway", body["service"])
	assert.Equal(t, "nosniff", recorder.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, recorder.Header().Get("X-Request-ID"))
}

func TestHandlers_Root(t *testing.T) {
	th := newTestHandlers(t, &MockAggregator{})

	recorder := th.do(http.MethodGet, "/", "", nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, ServiceVersion, body["version"])
	assert.Contains(t, body["features"], "Rate limiting (60 requests/minute)")
	assert.Contains(t, body["features"], "Response caching (30s TTL)")
}

func TestHandlers_ExternalHealth(t *testing.T) {
	th := newTestHandlers(t, &MockAggregator{})

	recorder := th.do(http.MethodGet, "/health/external", "", nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "all systems operational", body["status"])
	assert.Equal(t, map[string]interface{}{"coingecko": "healthy"}, body["services"])
}

func TestHandlers_GetState(t *testing.T) {
	aggregator := &MockAggregator{outcome: models.AggregateOutcome{
		Results: map[models.DomainKind]models.NormalizedResult{
			models.DomainEconomy: {"btc_usd": 67000},
			models.DomainAir:     {"pm10": 12},
		},
		CacheHits: map[models.DomainKind]bool{
			models.DomainEconomy: true,
			models.DomainWeather: true,
			models.DomainAir:     true,
		},
		Requested: 3,
	}}
	th := newTestHandlers(t, aggregator)

	recorder := th.do(http.MethodPost, "/state",
		`{"economy":{"asset":"BTC"},"weather":{"country":"algeria"},"air":{"country":"algeria"}}`, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, map[string]interface{}{"btc_usd": 67000.0}, body["economy"])
	assert.Equal(t, map[string]interface{}{"pm10": 12.0}, body["air"])
	assert.NotContains(t, body, "weather")

	meta := body["_meta"].(map[string]interface{})
	assert.Equal(t, 3.0, meta["api_calls"])
	assert.Equal(t, true, meta["cached"])
	assert.Contains(t, meta, "response_time_ms")
	_, err := time.Parse(time.RFC3339, meta["timestamp"].(string))
	assert.NoError(t, err)

	require.Equal(t, 1, aggregator.calls())
	assert.Equal(t, []models.DomainRequest{
		{Kind: models.DomainEconomy, Identifier: "BTC"},
		{Kind: models.DomainWeather, Identifier: "algeria"},
		{Kind: models.DomainAir, Identifier: "algeria"},
	}, aggregator.received[0])

	snapshot := th.recorder.Snapshot(5)
	assert.Equal(t, int64(1), snapshot.Overview.TotalRequests)
	assert.Equal(t, int64(1), snapshot.Overview.SuccessfulRequests)
	assert.Equal(t, int64(1), snapshot.Cache.Hits)
	assert.Equal(t, map[string]int64{"btc": 1}, snapshot.PopularAssets)
	assert.Equal(t, map[string]int64{"algeria": 1}, snapshot.PopularCountries)
}

func TestHandlers_GetStateAPIAlias(t *testing.T) {
	aggregator := &MockAggregator{outcome: models.AggregateOutcome{
		Results: map[models.DomainKind]models.NormalizedResult{},
	}}
	th := newTestHandlers(t, aggregator)

	recorder := th.do(http.MethodPost, "/api/state", `{}`, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Len(t, body, 1)
	meta := body["_meta"].(map[string]interface{})
	assert.Equal(t, 0.0, meta["api_calls"])
	assert.Equal(t, false, meta["cached"])
}

func TestHandlers_GetStateInvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"economy":`},
		{"missing asset", `{"economy":{}}`},
		{"empty country", `{"weather":{"country":""}}`},
		{"empty body", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aggregator := &MockAggregator{}
			th := newTestHandlers(t, aggregator)

			recorder := th.do(http.MethodPost, "/state", tt.body, map[string]string{"Content-Type": "application/json"})

			assert.Equal(t, http.StatusBadRequest, recorder.Code)
			assert.Equal(t, "Invalid request body", decodeBody(t, recorder)["error"])
			assert.Equal(t, 0, aggregator.calls())
			assert.Equal(t, int64(0), th.recorder.Snapshot(5).Overview.TotalRequests)
		})
	}
}

func TestHandlers_GetStateAggregatorError(t *testing.T) {
	aggregator := &MockAggregator{err: errors.New("domain requested more than once")}
	th := newTestHandlers(t, aggregator)

	recorder := th.do(http.MethodPost, "/state", `{"economy":{"asset":"btc"}}`, nil)

	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "Failed to aggregate data", body["error"])
	assert.Equal(t, 500.0, body["code"])

	snapshot := th.recorder.Snapshot(5)
	assert.Equal(t, int64(1), snapshot.Overview.FailedRequests)
	assert.Equal(t, int64(0), snapshot.Cache.Misses)
	assert.Zero(t, snapshot.Overview.AverageResponseTimeMs)
}

func TestHandlers_GetStatePanicCountsAsFailure(t *testing.T) {
	aggregator := &MockAggregator{panics: true}
	th := newTestHandlers(t, aggregator)

	recorder := th.do(http.MethodPost, "/state", `{"economy":{"asset":"btc"}}`, nil)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	snapshot := th.recorder.Snapshot(5)
	assert.Equal(t, int64(1), snapshot.Overview.TotalRequests)
	assert.Equal(t, int64(1), snapshot.Overview.FailedRequests)
}

func TestHandlers_Metrics(t *testing.T) {
	aggregator := &MockAggregator{outcome: models.AggregateOutcome{
		Results:   map[models.DomainKind]models.NormalizedResult{models.DomainEconomy: {"eth_usd": 1}},
		CacheHits: map[models.DomainKind]bool{models.DomainEconomy: false},
	}}
	th := newTestHandlers(t, aggregator)
	th.do(http.MethodPost, "/state", `{"economy":{"asset":"eth"}}`, nil)

	recorder := th.do(http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	overview := body["overview"].(map[string]interface{})
	assert.Equal(t, 1.0, overview["total_requests"])
	assert.Equal(t, "100.0%", overview["success_rate"])
	cacheStats := body["cache"].(map[string]interface{})
	assert.Equal(t, "0.0%", cacheStats["hit_rate"])
	assert.Equal(t, map[string]interface{}{"eth": 1.0}, body["popular_assets"])
}

func TestHandlers_PrometheusMetrics(t *testing.T) {
	aggregator := &MockAggregator{outcome: models.AggregateOutcome{
		Results: map[models.DomainKind]models.NormalizedResult{},
	}}
	th := newTestHandlers(t, aggregator)
	th.do(http.MethodPost, "/state", `{"weather":{"country":"japan"}}`, nil)

	recorder := th.do(http.MethodGet, "/metrics/prometheus", "", nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `gateway_state_requests_total{result="success"} 1`)
	assert.Contains(t, recorder.Body.String(), `gateway_domain_requests_total{domain="weather"} 1`)
}

func TestHandlers_RateLimit(t *testing.T) {
	aggregator := &MockAggregator{outcome: models.AggregateOutcome{
		Results: map[models.DomainKind]models.NormalizedResult{},
	}}
	th := newTestHandlers(t, aggregator)

	for i := 0; i < 60; i++ {
		recorder := th.do(http.MethodPost, "/state", `{}`, nil)
		require.Equal(t, http.StatusOK, recorder.Code, "request %d", i)
		th.clock.Advance(500 * time.Millisecond)
	}

	recorder := th.do(http.MethodPost, "/state", `{}`, nil)
	require.Equal(t, http.StatusTooManyRequests, recorder.Code)

	body := decodeBody(t, recorder)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, "60 requests/minute", body["limit"])
	// the first request was 30s ago, so its slot frees in 30s
	assert.Equal(t, 30.0, body["retry_after"])
	assert.Equal(t, "30", recorder.Header().Get("Retry-After"))
	assert.Equal(t, "60", recorder.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", recorder.Header().Get("X-RateLimit-Remaining"))
	reset, err := strconv.ParseInt(recorder.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Unix())

	// rejected requests never reach aggregation or metrics
	assert.Equal(t, 60, aggregator.calls())
	assert.Equal(t, int64(60), th.recorder.Snapshot(5).Overview.TotalRequests)

	// other clients are unaffected
	other := th.do(http.MethodPost, "/state", `{}`, map[string]string{"X-Forwarded-For": "198.51.100.7"})
	assert.Equal(t, http.StatusOK, other.Code)

	// admission resumes when the oldest request leaves the window
	th.clock.Advance(30 * time.Second)
	assert.Equal(t, http.StatusOK, th.do(http.MethodPost, "/state", `{}`, nil).Code)
}

func TestHandlers_ExemptPathsBypassRateLimit(t *testing.T) {
	th := newTestHandlers(t, &MockAggregator{outcome: models.AggregateOutcome{
		Results: map[models.DomainKind]models.NormalizedResult{},
	}})

	for i := 0; i < 60; i++ {
		require.Equal(t, http.StatusOK, th.do(http.MethodPost, "/state", `{}`, nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, th.do(http.MethodPost, "/state", `{}`, nil).Code)
	require.Equal(t, http.StatusTooManyRequests, th.do(http.MethodGet, "/", "", nil).Code)

	for _, path := range []string{"/health", "/health/external", "/metrics", "/metrics/prometheus"} {
		recorder := th.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, recorder.Code, path)
		assert.Empty(t, recorder.Header().Get("X-RateLimit-Limit"), path)
	}
}

func TestHandlers_RateLimitDisabled(t *testing.T) {
	recorder, err := metrics.NewRecorder(nil, nil)
	require.NoError(t, err)

	handlers := NewHandlers(HandlerConfig{
		Config:     testutils.MockConfig(),
		Logger:     testutils.MockLogger(),
		Aggregator: &MockAggregator{outcome: models.AggregateOutcome{Results: map[models.DomainKind]models.NormalizedResult{}}},
		Metrics:    recorder,
	})
	router := handlers.SetupRoutes()

	for i := 0; i < 100; i++ {
		response := httptest.NewRecorder()
		router.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/state", bytes.NewBufferString(`{}`)))
		require.Equal(t, http.StatusOK, response.Code)
	}
}

func TestHandlers_ExternalHealthNotConfigured(t *testing.T) {
	recorder, err := metrics.NewRecorder(nil, nil)
	require.NoError(t, err)
	handlers := NewHandlers(HandlerConfig{Logger: testutils.MockLogger(), Metrics: recorder})

	response := httptest.NewRecorder()
	handlers.SetupRoutes().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/health/external", nil))

	assert.Equal(t, http.StatusServiceUnavailable, response.Code)
}

func TestHandlers_Preflight(t *testing.T) {
	th := newTestHandlers(t, &MockAggregator{})

	recorder := th.do(http.MethodOptions, "/state", "", map[string]string{"Origin": "https://app.example.com"})

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		wait     time.Duration
		expected int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{60 * time.Second, 60},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, retryAfterSeconds(tt.wait), tt.wait.String())
	}
}
