package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dalfonso89/state-gateway/internal/config"
	"github.com/dalfonso89/state-gateway/internal/lookup"
	"github.com/dalfonso89/state-gateway/internal/models"
)

// maxResponseBytes caps how much of a provider body is read
const maxResponseBytes = 1 << 20

// ErrMissingFields is returned when a successful response lacks the expected fields
var ErrMissingFields = errors.New("expected fields missing from response")

// HTTPDataProvider implements DataProvider for the CoinGecko and Open-Meteo APIs
type HTTPDataProvider struct {
	kind          models.DomainKind
	configuration config.DataProvider
	logger        *logrus.Logger
	httpClient    *http.Client

	// nil when outbound throttling is disabled
	throttle *rate.Limiter
}

// NewHTTPDataProvider creates a new HTTP data provider for kind
func NewHTTPDataProvider(kind models.DomainKind, configuration config.DataProvider, logger *logrus.Logger) *HTTPDataProvider {
	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	provider := &HTTPDataProvider{
		kind:          kind,
		configuration: configuration,
		logger:        logger,
		httpClient:    &http.Client{Timeout: configuration.Timeout, Transport: httpTransport},
	}

	if configuration.RateLimitRPS > 0 {
		burst := configuration.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		provider.throttle = rate.NewLimiter(rate.Limit(configuration.RateLimitRPS), burst)
	}

	return provider
}

// GetName returns the provider name
func (provider *HTTPDataProvider) GetName() string {
	return provider.configuration.Name
}

// GetKind returns the domain this provider serves
func (provider *HTTPDataProvider) GetKind() models.DomainKind {
	return provider.kind
}

// Fetch calls the provider once and normalizes the payload
func (provider *HTTPDataProvider) Fetch(ctx context.Context, params lookup.ProviderParams) (models.NormalizedResult, bool) {
	result, err := provider.fetch(ctx, params)
	if err != nil {
		provider.logger.WithFields(logrus.Fields{
			"provider":   provider.configuration.Name,
			"kind":       provider.kind,
			"identifier": params.Identifier,
			"error":      err.Error(),
		}).Warn("Provider request failed")
		return nil, false
	}
	return result, true
}

func (provider *HTTPDataProvider) fetch(ctx context.Context, params lookup.ProviderParams) (models.NormalizedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.configuration.Timeout)
	defer cancel()

	if provider.throttle != nil {
		if err := provider.throttle.Wait(ctx); err != nil {
			return nil, fmt.Errorf("outbound throttle: %w", err)
		}
	}

	requestURL, err := provider.buildURL(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := provider.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return provider.parseResponse(body, params)
}

// buildURL constructs the request URL for the provider's domain
func (provider *HTTPDataProvider) buildURL(params lookup.ProviderParams) (string, error) {
	baseURL, err := url.Parse(provider.configuration.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	query := baseURL.Query()
	switch provider.kind {
	case models.DomainEconomy:
		// CoinGecko format: /simple/price?ids=bitcoin&vs_currencies=usd
		query.Set("ids", params.CoinID)
		query.Set("vs_currencies", "usd")
	case models.DomainWeather:
		// Open-Meteo format: /forecast?latitude=..&longitude=..&current_weather=true
		query.Set("latitude", formatCoordinate(params.Latitude))
		query.Set("longitude", formatCoordinate(params.Longitude))
		query.Set("current_weather", "true")
	case models.DomainAir:
		// Open-Meteo air quality format: /air-quality?latitude=..&longitude=..&current=pm10
		query.Set("latitude", formatCoordinate(params.Latitude))
		query.Set("longitude", formatCoordinate(params.Longitude))
		query.Set("current", "pm10")
	default:
		return "", fmt.Errorf("unsupported domain %q", provider.kind)
	}

	baseURL.RawQuery = query.Encode()
	return baseURL.String(), nil
}

// parseResponse extracts the domain's fields and drops the rest of the payload
func (provider *HTTPDataProvider) parseResponse(body []byte, params lookup.ProviderParams) (models.NormalizedResult, error) {
	switch provider.kind {
	case models.DomainEconomy:
		return parseEconomyResponse(body, params)
	case models.DomainWeather:
		return parseWeatherResponse(body)
	case models.DomainAir:
		return parseAirQualityResponse(body)
	default:
		return nil, fmt.Errorf("unsupported domain %q", provider.kind)
	}
}

// parseEconomyResponse parses {"<coin id>":{"usd":N}} into {"<asset>_usd":N}
func parseEconomyResponse(body []byte, params lookup.ProviderParams) (models.NormalizedResult, error) {
	var data map[string]map[string]*float64
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse economy response: %w", err)
	}

	price := data[params.CoinID]["usd"]
	if price == nil {
		return nil, fmt.Errorf("%w: %s.usd", ErrMissingFields, params.CoinID)
	}

	return models.NormalizedResult{params.Identifier + "_usd": *price}, nil
}

// parseWeatherResponse parses current_weather.temperature and current_weather.windspeed
func parseWeatherResponse(body []byte) (models.NormalizedResult, error) {
	var data struct {
		CurrentWeather *struct {
			Temperature *float64 `json:"temperature"`
			WindSpeed   *float64 `json:"windspeed"`
		} `json:"current_weather"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse weather response: %w", err)
	}

	current := data.CurrentWeather
	if current == nil || current.Temperature == nil || current.WindSpeed == nil {
		return nil, fmt.Errorf("%w: current_weather.temperature/windspeed", ErrMissingFields)
	}

	return models.NormalizedResult{
		"temperature": *current.Temperature,
		"wind_speed":  *current.WindSpeed,
	}, nil
}

// parseAirQualityResponse parses current.pm10
func parseAirQualityResponse(body []byte) (models.NormalizedResult, error) {
	var data struct {
		Current *struct {
			PM10 *float64 `json:"pm10"`
		} `json:"current"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse air quality response: %w", err)
	}

	if data.Current == nil || data.Current.PM10 == nil {
		return nil, fmt.Errorf("%w: current.pm10", ErrMissingFields)
	}

	return models.NormalizedResult{"pm10": *data.Current.PM10}, nil
}

func formatCoordinate(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
