package models

import (
	"maps"
	"strings"
	"time"
)

// DomainKind names one of the data domains a client can request
type DomainKind string

const (
	DomainEconomy DomainKind = "economy"
	DomainWeather DomainKind = "weather"
	DomainAir     DomainKind = "air"
)

// AllDomains lists the domain kinds in response order
var AllDomains = []DomainKind{DomainEconomy, DomainWeather, DomainAir}

// NormalizedResult is the flat field -> value mapping extracted from a provider payload
type NormalizedResult map[string]float64

// Clone returns an independent copy of the result
func (result NormalizedResult) Clone() NormalizedResult {
	if result == nil {
		return nil
	}
	return maps.Clone(result)
}

// DomainRequest asks for one domain with a domain-specific identifier
type DomainRequest struct {
	Kind       DomainKind
	Identifier string
}

type EconomyRequest struct {
	Asset string `json:"asset" binding:"required"`
}

type CountryRequest struct {
	Country string `json:"country" binding:"required"`
}

// StateRequest is the body of POST /state
type StateRequest struct {
	Economy *EconomyRequest `json:"economy,omitempty"`
	Weather *CountryRequest `json:"weather,omitempty"`
	Air     *CountryRequest `json:"air,omitempty"`
}

// DomainRequests converts the body into at most one request per domain
func (request StateRequest) DomainRequests() []DomainRequest {
	domainRequests := make([]DomainRequest, 0, len(AllDomains))
	if request.Economy != nil {
		domainRequests = append(domainRequests, DomainRequest{Kind: DomainEconomy, Identifier: request.Economy.Asset})
	}
	if request.Weather != nil {
		domainRequests = append(domainRequests, DomainRequest{Kind: DomainWeather, Identifier: request.Weather.Country})
	}
	if request.Air != nil {
		domainRequests = append(domainRequests, DomainRequest{Kind: DomainAir, Identifier: request.Air.Country})
	}
	return domainRequests
}

// NormalizeIdentifier lower-cases and trims an asset code or country name
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// CacheEntry is a stored provider result and the instant it was fetched
type CacheEntry struct {
	Result    NormalizedResult
	FetchedAt time.Time
}

// AggregateOutcome is the merged result of one aggregation
type AggregateOutcome struct {
	Results   map[DomainKind]NormalizedResult
	CacheHits map[DomainKind]bool
	Requested int
	Elapsed   time.Duration
}

// Cached reports whether every domain that reached the cache was served from it.
// An outcome where no domain reached the cache is not cached.
func (outcome AggregateOutcome) Cached() bool {
	if len(outcome.CacheHits) == 0 {
		return false
	}
	for _, hit := range outcome.CacheHits {
		if !hit {
			return false
		}
	}
	return true
}

type ResponseMeta struct {
	ResponseTimeMs float64 `json:"response_time_ms"`
	APICalls       int     `json:"api_calls"`
	Cached         bool    `json:"cached"`
	Timestamp      string  `json:"timestamp"`
}

type HealthCheck struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

type ExternalHealth struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp string            `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

type RateLimitResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
	Limit      string `json:"limit"`
}
