package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultEconomyAPIURL    = "https://api.coingecko.com/api/v3/simple/price"
	DefaultWeatherAPIURL    = "https://api.open-meteo.com/v1/forecast"
	DefaultAirQualityAPIURL = "https://air-quality-api.open-meteo.com/v1/air-quality"
)

// DataProvider configures the upstream API used for one domain
type DataProvider struct {
	Name    string
	BaseURL string
	Timeout time.Duration

	// RateLimitRPS throttles outbound calls; 0 disables the throttle
	RateLimitRPS   float64
	RateLimitBurst int
}

// Config holds all configuration for the application
type Config struct {
	Port           string
	LogLevel       string
	AllowedOrigins []string

	EconomyProvider    DataProvider
	WeatherProvider    DataProvider
	AirQualityProvider DataProvider
	CacheTTL           time.Duration

	// Rate limiting
	RateLimitEnabled     bool
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	RateLimitExemptPaths []string

	HealthCheckTimeout time.Duration
	MetricsTopN        int

	// Redis popularity mirror
	RedisStatsEnabled bool
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStatsPrefix  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	loader := &envLoader{}

	timeout := loader.seconds("API_TIMEOUT_SECONDS", 10)
	providerRPS := loader.float("PROVIDER_RATE_LIMIT_RPS", 0)
	providerBurst := loader.int("PROVIDER_RATE_LIMIT_BURST", 1)

	newProvider := func(name, urlKey, fallbackURL string) DataProvider {
		return DataProvider{
			Name:           name,
			BaseURL:        getEnv(urlKey, fallbackURL),
			Timeout:        timeout,
			RateLimitRPS:   providerRPS,
			RateLimitBurst: providerBurst,
		}
	}

	configuration := &Config{
		Port:           getEnv("PORT", "8000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", "*"),

		EconomyProvider:    newProvider("coingecko", "ECONOMY_API_URL", DefaultEconomyAPIURL),
		WeatherProvider:    newProvider("open_meteo_weather", "WEATHER_API_URL", DefaultWeatherAPIURL),
		AirQualityProvider: newProvider("open_meteo_air", "AIR_QUALITY_API_URL", DefaultAirQualityAPIURL),
		CacheTTL:           loader.seconds("CACHE_TTL_SECONDS", 30),

		RateLimitEnabled:     loader.bool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests:    loader.int("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:      loader.seconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitExemptPaths: getEnvList("RATE_LIMIT_EXEMPT_PATHS", "/health,/health/external,/metrics,/metrics/prometheus"),

		HealthCheckTimeout: loader.seconds("HEALTH_CHECK_TIMEOUT_SECONDS", 5),
		MetricsTopN:        loader.int("METRICS_TOP_N", 5),

		RedisStatsEnabled: loader.bool("REDIS_STATS_ENABLED", false),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           loader.int("REDIS_DB", 0),
		RedisStatsPrefix:  getEnv("REDIS_STATS_PREFIX", "gateway:stats"),
	}

	if loader.err != nil {
		return nil, loader.err
	}
	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	return configuration, nil
}

// Validate checks the values that would make the service misbehave
func (configuration *Config) Validate() error {
	if configuration.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be positive, got %s", configuration.CacheTTL)
	}
	if configuration.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", configuration.RateLimitRequests)
	}
	if configuration.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive, got %s", configuration.RateLimitWindow)
	}
	for _, provider := range configuration.Providers() {
		if provider.BaseURL == "" {
			return fmt.Errorf("provider %s has no base URL", provider.Name)
		}
		if provider.Timeout <= 0 {
			return fmt.Errorf("API_TIMEOUT_SECONDS must be positive, got %s", provider.Timeout)
		}
	}
	return nil
}

// Providers returns the three upstream provider configurations
func (configuration *Config) Providers() []DataProvider {
	return []DataProvider{
		configuration.EconomyProvider,
		configuration.WeatherProvider,
		configuration.AirQualityProvider,
	}
}

// envLoader parses typed env values and keeps the first parse error
type envLoader struct {
	err error
}

func (loader *envLoader) int(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		loader.fail(key, value, err)
		return fallback
	}
	return parsed
}

func (loader *envLoader) float(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		loader.fail(key, value, err)
		return fallback
	}
	return parsed
}

func (loader *envLoader) bool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		loader.fail(key, value, err)
		return fallback
	}
	return parsed
}

func (loader *envLoader) seconds(key string, fallback int) time.Duration {
	return time.Duration(loader.int(key, fallback)) * time.Second
}

func (loader *envLoader) fail(key, value string, err error) {
	if loader.err == nil {
		loader.err = fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key, fallback string) []string {
	items := []string{}
	for _, item := range strings.Split(getEnv(key, fallback), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
