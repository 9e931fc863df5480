package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/state-gateway/internal/config"
	"github.com/dalfonso89/state-gateway/internal/lookup"
	"github.com/dalfonso89/state-gateway/internal/models"
)

// DataProvider fetches and normalizes data for one domain.
// Fetch never returns an error: any failure is logged and reported as found=false.
type DataProvider interface {
	GetName() string
	GetKind() models.DomainKind
	Fetch(ctx context.Context, params lookup.ProviderParams) (result models.NormalizedResult, found bool)
}

// ProviderFactory creates provider instances
type ProviderFactory struct {
	config *config.Config
	logger *logrus.Logger
}

// NewProviderFactory creates a new provider factory
func NewProviderFactory(config *config.Config, logger *logrus.Logger) *ProviderFactory {
	return &ProviderFactory{
		config: config,
		logger: logger,
	}
}

// CreateProviders creates one provider per domain kind
func (pf *ProviderFactory) CreateProviders() []DataProvider {
	return []DataProvider{
		NewHTTPDataProvider(models.DomainEconomy, pf.config.EconomyProvider, pf.logger),
		NewHTTPDataProvider(models.DomainWeather, pf.config.WeatherProvider, pf.logger),
		NewHTTPDataProvider(models.DomainAir, pf.config.AirQualityProvider, pf.logger),
	}
}
