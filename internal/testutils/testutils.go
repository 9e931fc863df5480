package testutils

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/state-gateway/internal/config"
	"github.com/dalfonso89/state-gateway/internal/logger"
)

// MockLogger creates a logger for tests that discards its output
func MockLogger() *logrus.Logger {
	return logger.NewWithOutput("debug", io.Discard)
}

// MockConfig creates a configuration for tests pointing at the public providers
func MockConfig() *config.Config {
	return MockConfigWithURLs(config.DefaultEconomyAPIURL, config.DefaultWeatherAPIURL, config.DefaultAirQualityAPIURL)
}

// MockConfigWithURLs creates a configuration for tests with the given provider URLs
func MockConfigWithURLs(economyURL, weatherURL, airQualityURL string) *config.Config {
	provider := func(name, baseURL string) config.DataProvider {
		return config.DataProvider{
			Name:           name,
			BaseURL:        baseURL,
			Timeout:        2 * time.Second,
			RateLimitBurst: 1,
		}
	}

	return &config.Config{
		Port:           "8000",
		LogLevel:       "debug",
		AllowedOrigins: []string{"*"},

		EconomyProvider:    provider("coingecko", economyURL),
		WeatherProvider:    provider("open_meteo_weather", weatherURL),
		AirQualityProvider: provider("open_meteo_air", airQualityURL),
		CacheTTL:           30 * time.Second,

		RateLimitEnabled:     true,
		RateLimitRequests:    60,
		RateLimitWindow:      60 * time.Second,
		RateLimitExemptPaths: []string{"/health", "/health/external", "/metrics", "/metrics/prometheus"},

		HealthCheckTimeout: 2 * time.Second,
		MetricsTopN:        5,

		RedisStatsPrefix: "gateway:stats",
	}
}

// MockConfigWithServer creates a configuration whose providers are served by server
func MockConfigWithServer(server *MockProviderServer) *config.Config {
	return MockConfigWithURLs(server.EconomyURL(), server.WeatherURL(), server.AirQualityURL())
}

// MockContextWithTimeout creates a context with timeout for testing
func MockContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
