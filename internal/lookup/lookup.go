// Package lookup maps client-facing identifiers to provider call parameters.
package lookup

import "github.com/dalfonso89/state-gateway/internal/models"

// ProviderParams are the parameters a provider needs for one identifier
type ProviderParams struct {
	// Identifier is the normalized client identifier (e.g. "btc", "algeria")
	Identifier string
	CoinID     string
	Latitude   float64
	Longitude  float64
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Resolver resolves a domain identifier to provider parameters
type Resolver interface {
	Resolve(kind models.DomainKind, identifier string) (ProviderParams, bool)
}

// Table is a static, read-only Resolver
type Table struct {
	assets    map[string]string
	countries map[string]Coordinates
}

// NewTable builds a table from asset -> coin id and country -> coordinates maps.
// Keys are normalized so lookups are case-insensitive.
func NewTable(assets map[string]string, countries map[string]Coordinates) *Table {
	table := &Table{
		assets:    make(map[string]string, len(assets)),
		countries: make(map[string]Coordinates, len(countries)),
	}
	for asset, coinID := range assets {
		table.assets[models.NormalizeIdentifier(asset)] = coinID
	}
	for country, coordinates := range countries {
		table.countries[models.NormalizeIdentifier(country)] = coordinates
	}
	return table
}

// DefaultTable returns the built-in asset and country tables
func DefaultTable() *Table {
	return NewTable(
		map[string]string{
			"btc": "bitcoin",
			"eth": "ethereum",
			"sol": "solana",
		},
		map[string]Coordinates{
			"algeria":   {Latitude: 36.75, Longitude: 3.06},
			"usa":       {Latitude: 40.71, Longitude: -74.01},  // New York
			"uk":        {Latitude: 51.51, Longitude: -0.13},   // London
			"france":    {Latitude: 48.86, Longitude: 2.35},    // Paris
			"germany":   {Latitude: 52.52, Longitude: 13.40},   // Berlin
			"japan":     {Latitude: 35.68, Longitude: 139.65},  // Tokyo
			"china":     {Latitude: 39.90, Longitude: 116.40},  // Beijing
			"india":     {Latitude: 28.61, Longitude: 77.21},   // New Delhi
			"brazil":    {Latitude: -23.55, Longitude: -46.63}, // Sao Paulo
			"australia": {Latitude: -33.87, Longitude: 151.21}, // Sydney
		},
	)
}

// Resolve implements Resolver
func (table *Table) Resolve(kind models.DomainKind, identifier string) (ProviderParams, bool) {
	normalized := models.NormalizeIdentifier(identifier)
	if normalized == "" {
		return ProviderParams{}, false
	}

	switch kind {
	case models.DomainEconomy:
		coinID, ok := table.assets[normalized]
		if !ok {
			return ProviderParams{}, false
		}
		return ProviderParams{Identifier: normalized, CoinID: coinID}, true
	case models.DomainWeather, models.DomainAir:
		coordinates, ok := table.countries[normalized]
		if !ok {
			return ProviderParams{}, false
		}
		return ProviderParams{
			Identifier: normalized,
			Latitude:   coordinates.Latitude,
			Longitude:  coordinates.Longitude,
		}, true
	default:
		return ProviderParams{}, false
	}
}
