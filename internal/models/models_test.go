package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRequest_DomainRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected []DomainRequest
	}{
		{
			name:     "empty body",
			body:     `{}`,
			expected: []DomainRequest{},
		},
		{
			name:     "economy only",
			body:     `{"economy":{"asset":"btc"}}`,
			expected: []DomainRequest{{Kind: DomainEconomy, Identifier: "btc"}},
		},
		{
			name: "all domains",
			body: `{"air":{"country":"japan"},"economy":{"asset":"eth"},"weather":{"country":"algeria"}}`,
			expected: []DomainRequest{
				{Kind: DomainEconomy, Identifier: "eth"},
				{Kind: DomainWeather, Identifier: "algeria"},
				{Kind: DomainAir, Identifier: "japan"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var request StateRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &request))
			assert.Equal(t, tt.expected, request.DomainRequests())
		})
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "btc", NormalizeIdentifier("  BTC "))
	assert.Equal(t, "algeria", NormalizeIdentifier("Algeria"))
	assert.Equal(t, "", NormalizeIdentifier("   "))
}

func TestNormalizedResult_Clone(t *testing.T) {
	var absent NormalizedResult
	assert.Nil(t, absent.Clone())

	original := NormalizedResult{"pm10": 12.0}
	copied := original.Clone()
	copied["pm10"] = 99

	assert.Equal(t, 12.0, original["pm10"])
	assert.NotNil(t, NormalizedResult{}.Clone())
}

func TestAggregateOutcome_Cached(t *testing.T) {
	tests := []struct {
		name      string
		cacheHits map[DomainKind]bool
		expected  bool
	}{
		{"no cache lookups", nil, false},
		{"all hits", map[DomainKind]bool{DomainEconomy: true, DomainAir: true}, true},
		{"mixed", map[DomainKind]bool{DomainEconomy: true, DomainWeather: false}, false},
		{"single miss", map[DomainKind]bool{DomainWeather: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := AggregateOutcome{CacheHits: tt.cacheHits}
			assert.Equal(t, tt.expected, outcome.Cached())
		})
	}
}
