package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dalfonso89/state-gateway/internal/config"
	"github.com/dalfonso89/state-gateway/internal/models"
)

// TestRaceConditionCacheAccess hammers the same cache keys from many clients
func TestRaceConditionCacheAccess(t *testing.T) {
	suite := NewIntegrationTestSuite(t, func(configuration *config.Config) {
		configuration.RateLimitEnabled = false
	})
	suite.providers.SetDelay(models.DomainEconomy, 50*time.Millisecond)

	const numGoroutines = 50
	const requestsPerGoroutine = 5

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < requestsPerGoroutine; j++ {
				resp, err := http.Post(suite.server.URL+"/state", "application/json",
					bytes.NewBufferString(`{"economy":{"asset":"btc"},"air":{"country":"germany"}}`))
				if err != nil {
					failures.Add(1)
					continue
				}
				if resp.StatusCode != http.StatusOK {
					failures.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	// concurrent misses share one fetch per key and later requests hit the cache
	assert.Equal(t, 1, suite.providers.Calls(models.DomainEconomy))
	assert.Equal(t, 1, suite.providers.Calls(models.DomainAir))

	snapshot := suite.recorder.Snapshot(5)
	assert.Equal(t, int64(numGoroutines*requestsPerGoroutine), snapshot.Overview.TotalRequests)
	assert.Equal(t, int64(numGoroutines*requestsPerGoroutine), snapshot.Overview.SuccessfulRequests)
	assert.Equal(t, int64(numGoroutines*requestsPerGoroutine), snapshot.PopularAssets["btc"])
}

// TestRaceConditionRateLimiter checks that concurrent requests of one client never exceed the limit
func TestRaceConditionRateLimiter(t *testing.T) {
	suite := NewIntegrationTestSuite(t, nil)

	const numRequests = 150
	var wg sync.WaitGroup
	var admitted, limited atomic.Int32

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			request, err := http.NewRequest(http.MethodPost, suite.server.URL+"/state", bytes.NewBufferString(`{}`))
			if err != nil {
				return
			}
			request.Header.Set("Content-Type", "application/json")
			request.Header.Set("X-Forwarded-For", "203.0.113.50")

			resp, err := http.DefaultClient.Do(request)
			if err != nil {
				return
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
				admitted.Add(1)
			case http.StatusTooManyRequests:
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 60, admitted.Load())
	assert.EqualValues(t, numRequests-60, limited.Load())
}

// TestRaceConditionManyClients checks that clients do not share windows
func TestRaceConditionManyClients(t *testing.T) {
	suite := NewIntegrationTestSuite(t, func(configuration *config.Config) {
		configuration.RateLimitRequests = 5
	})

	const numClients = 20
	var wg sync.WaitGroup
	admittedPerClient := make([]atomic.Int32, numClients)

	for client := 0; client < numClients; client++ {
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(client int) {
				defer wg.Done()
				request, err := http.NewRequest(http.MethodGet, suite.server.URL+"/", nil)
				if err != nil {
					return
				}
				request.Header.Set("X-Real-IP", fmt.Sprintf("10.1.0.%d", client+1))

				resp, err := http.DefaultClient.Do(request)
				if err != nil {
					return
				}
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					admittedPerClient[client].Add(1)
				}
			}(client)
		}
	}
	wg.Wait()

	for client := 0; client < numClients; client++ {
		assert.EqualValues(t, 5, admittedPerClient[client].Load(), "client %d", client)
	}
}
