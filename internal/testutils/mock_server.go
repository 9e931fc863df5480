package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalfonso89/state-gateway/internal/models"
)

const (
	EconomyPath    = "/api/v3/simple/price"
	WeatherPath    = "/v1/forecast"
	AirQualityPath = "/v1/air-quality"
)

// domainBehavior controls how the mock answers for one domain
type domainBehavior struct {
	statusCode int
	body       string
	delay      time.Duration
}

// MockProviderServer serves CoinGecko and Open-Meteo shaped payloads
type MockProviderServer struct {
	server *httptest.Server

	mu        sync.RWMutex
	prices    map[string]float64
	behaviors map[models.DomainKind]domainBehavior

	economyCalls    atomic.Int32
	weatherCalls    atomic.Int32
	airQualityCalls atomic.Int32
}

// NewMockProviderServer creates a mock server with default responses
func NewMockProviderServer() *MockProviderServer {
	mock := &MockProviderServer{
		prices: map[string]float64{
			"bitcoin":  67000,
			"ethereum": 3100.5,
			"solana":   150.25,
		},
		behaviors: make(map[models.DomainKind]domainBehavior),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(EconomyPath, mock.handleEconomy)
	mux.HandleFunc(WeatherPath, mock.handleWeather)
	mux.HandleFunc(AirQualityPath, mock.handleAirQuality)
	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the base URL of the mock server
func (m *MockProviderServer) URL() string {
	return m.server.URL
}

func (m *MockProviderServer) EconomyURL() string    { return m.server.URL + EconomyPath }
func (m *MockProviderServer) WeatherURL() string    { return m.server.URL + WeatherPath }
func (m *MockProviderServer) AirQualityURL() string { return m.server.URL + AirQualityPath }

// Close shuts down the mock server
func (m *MockProviderServer) Close() {
	m.server.Close()
}

// SetStatus makes the domain answer with statusCode and an empty JSON body
func (m *MockProviderServer) SetStatus(kind models.DomainKind, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	behavior := m.behaviors[kind]
	behavior.statusCode = statusCode
	m.behaviors[kind] = behavior
}

// SetBody makes the domain answer with a raw body
func (m *MockProviderServer) SetBody(kind models.DomainKind, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	behavior := m.behaviors[kind]
	behavior.body = body
	m.behaviors[kind] = behavior
}

// SetDelay makes the domain wait before answering
func (m *MockProviderServer) SetDelay(kind models.DomainKind, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	behavior := m.behaviors[kind]
	behavior.delay = delay
	m.behaviors[kind] = behavior
}

// SetPrice sets the USD price returned for a coin id
func (m *MockProviderServer) SetPrice(coinID string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[coinID] = price
}

// Reset restores default behavior for every domain
func (m *MockProviderServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors = make(map[models.DomainKind]domainBehavior)
}

// Calls returns how many requests the domain's endpoint received
func (m *MockProviderServer) Calls(kind models.DomainKind) int {
	switch kind {
	case models.DomainEconomy:
		return int(m.economyCalls.Load())
	case models.DomainWeather:
		return int(m.weatherCalls.Load())
	case models.DomainAir:
		return int(m.airQualityCalls.Load())
	default:
		return 0
	}
}

// TotalCalls returns the number of requests over all domains
func (m *MockProviderServer) TotalCalls() int {
	return m.Calls(models.DomainEconomy) + m.Calls(models.DomainWeather) + m.Calls(models.DomainAir)
}

func (m *MockProviderServer) handleEconomy(w http.ResponseWriter, r *http.Request) {
	m.economyCalls.Add(1)
	if m.applyBehavior(models.DomainEconomy, w, r) {
		return
	}

	m.mu.RLock()
	response := make(map[string]map[string]float64)
	for _, coinID := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if price, ok := m.prices[coinID]; ok {
			response[coinID] = map[string]float64{"usd": price}
		}
	}
	m.mu.RUnlock()

	writeJSON(w, response)
}

func (m *MockProviderServer) handleWeather(w http.ResponseWriter, r *http.Request) {
	m.weatherCalls.Add(1)
	if m.applyBehavior(models.DomainWeather, w, r) {
		return
	}

	writeJSON(w, map[string]interface{}{
		"latitude":  r.URL.Query().Get("latitude"),
		"longitude": r.URL.Query().Get("longitude"),
		"current_weather": map[string]float64{
			"temperature":   21.4,
			"windspeed":     9.0,
			"winddirection": 270,
		},
	})
}

func (m *MockProviderServer) handleAirQuality(w http.ResponseWriter, r *http.Request) {
	m.airQualityCalls.Add(1)
	if m.applyBehavior(models.DomainAir, w, r) {
		return
	}

	writeJSON(w, map[string]interface{}{
		"current": map[string]interface{}{
			"time": "2024-05-01T12:00",
			"pm10": 12.0,
		},
	})
}

// applyBehavior applies overrides and reports whether the response was written
func (m *MockProviderServer) applyBehavior(kind models.DomainKind, w http.ResponseWriter, r *http.Request) bool {
	m.mu.RLock()
	behavior := m.behaviors[kind]
	m.mu.RUnlock()

	if behavior.delay > 0 {
		select {
		case <-time.After(behavior.delay):
		case <-r.Context().Done():
			return true
		}
	}

	if behavior.statusCode != 0 && behavior.statusCode != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(behavior.statusCode)
		_, _ = w.Write([]byte(`{"error":"mock failure"}`))
		return true
	}

	if behavior.body != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(behavior.body))
		return true
	}

	return false
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}
