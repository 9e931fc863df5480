package service

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dalfonso89/state-gateway/internal/config"
	"github.com/dalfonso89/state-gateway/internal/models"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDown     = "down"

	OverallOperational = "all systems operational"
	OverallDegraded    = "degraded"
)

// healthProbe is one upstream endpoint pinged by the checker
type healthProbe struct {
	name    string
	baseURL string
	query   url.Values
}

// ExternalHealthChecker pings the upstream providers
type ExternalHealthChecker struct {
	probes     []healthProbe
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewExternalHealthChecker creates a checker for the configured providers
func NewExternalHealthChecker(configuration *config.Config, logger *logrus.Logger) *ExternalHealthChecker {
	return &ExternalHealthChecker{
		probes: []healthProbe{
			{
				name:    configuration.EconomyProvider.Name,
				baseURL: configuration.EconomyProvider.BaseURL,
				query:   url.Values{"ids": {"bitcoin"}, "vs_currencies": {"usd"}},
			},
			{
				name:    configuration.WeatherProvider.Name,
				baseURL: configuration.WeatherProvider.BaseURL,
				query:   url.Values{"latitude": {"0"}, "longitude": {"0"}, "current": {"temperature_2m"}},
			},
			{
				name:    configuration.AirQualityProvider.Name,
				baseURL: configuration.AirQualityProvider.BaseURL,
				query:   url.Values{"latitude": {"0"}, "longitude": {"0"}, "current": {"pm10"}},
			},
		},
		httpClient: &http.Client{Timeout: configuration.HealthCheckTimeout},
		logger:     logger,
	}
}

// Check pings every provider concurrently
func (checker *ExternalHealthChecker) Check(ctx context.Context) models.ExternalHealth {
	var mutex sync.Mutex
	services := make(map[string]string, len(checker.probes))

	group, groupContext := errgroup.WithContext(ctx)
	for _, probe := range checker.probes {
		probe := probe
		group.Go(func() error {
			status := checker.ping(groupContext, probe)
			mutex.Lock()
			services[probe.name] = status
			mutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	overall := OverallOperational
	for _, status := range services {
		if status != StatusHealthy {
			overall = OverallDegraded
			break
		}
	}

	return models.ExternalHealth{
		Status:    overall,
		Services:  services,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (checker *ExternalHealthChecker) ping(ctx context.Context, probe healthProbe) string {
	probeURL, err := url.Parse(probe.baseURL)
	if err != nil {
		checker.logger.WithError(err).WithField("service", probe.name).Warn("Invalid health check URL")
		return StatusDown
	}
	probeURL.RawQuery = probe.query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return StatusDown
	}

	resp, err := checker.httpClient.Do(req)
	if err != nil {
		checker.logger.WithError(err).WithField("service", probe.name).Warn("Health check failed")
		return StatusDown
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return StatusHealthy
	}
	return StatusDegraded
}
