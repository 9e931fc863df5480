// Package cache holds normalized provider results for a short time.
//
// Entries are keyed by (domain kind, identifier). Every key has its own lock,
// so requests for different keys never contend, and concurrent misses on the
// same key share a single fetch. Only found results are stored: a failed fetch
// is retried by the next request instead of being remembered.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dalfonso89/state-gateway/internal/clock"
	"github.com/dalfonso89/state-gateway/internal/models"
)

// FetchFunc produces a fresh result on a cache miss; found is false when there is no data
type FetchFunc func(ctx context.Context) (result models.NormalizedResult, found bool)

type slot struct {
	mu    sync.RWMutex
	entry *models.CacheEntry
}

// ResponseCache is a per-key locked TTL cache of normalized results
type ResponseCache struct {
	ttl   time.Duration
	clock clock.Clock

	slots             sync.Map // cache key -> *slot
	singleFlightGroup singleflight.Group
}

type flightResult struct {
	result models.NormalizedResult
	found  bool
	hit    bool
}

// New creates a cache whose entries are valid for ttl
func New(ttl time.Duration, source clock.Clock) *ResponseCache {
	if source == nil {
		source = clock.Real{}
	}
	return &ResponseCache{ttl: ttl, clock: source}
}

// TTL returns the validity window of an entry
func (responseCache *ResponseCache) TTL() time.Duration {
	return responseCache.ttl
}

// LookupOrFetch returns the cached result for (kind, identifier) while it is valid.
// Otherwise it runs fetch and stores the result if one was found.
// hit reports whether the value came from the cache.
func (responseCache *ResponseCache) LookupOrFetch(ctx context.Context, kind models.DomainKind, identifier string, fetch FetchFunc) (result models.NormalizedResult, found bool, hit bool) {
	key := cacheKey(kind, identifier)
	entrySlot := responseCache.slotFor(key)

	if cached, ok := responseCache.valid(entrySlot); ok {
		return cached, true, true
	}

	// Detached so one caller going away does not fail the fetch for the others
	// sharing it; the provider timeout still bounds the call.
	fetchContext := context.WithoutCancel(ctx)

	value, _, _ := responseCache.singleFlightGroup.Do(key, func() (interface{}, error) {
		// another flight may have refreshed the slot since the first check
		if cached, ok := responseCache.valid(entrySlot); ok {
			return flightResult{result: cached, found: true, hit: true}, nil
		}

		fetched, ok := fetch(fetchContext)
		if !ok {
			return flightResult{}, nil
		}

		entrySlot.mu.Lock()
		entrySlot.entry = &models.CacheEntry{
			Result:    fetched.Clone(),
			FetchedAt: responseCache.clock.Now(),
		}
		entrySlot.mu.Unlock()

		return flightResult{result: fetched, found: true}, nil
	})

	shared := value.(flightResult)
	if !shared.found {
		return nil, false, false
	}
	return shared.result.Clone(), true, shared.hit
}

// Len returns the number of keys ever stored, expired ones included
func (responseCache *ResponseCache) Len() int {
	count := 0
	responseCache.slots.Range(func(_, value interface{}) bool {
		entrySlot := value.(*slot)
		entrySlot.mu.RLock()
		if entrySlot.entry != nil {
			count++
		}
		entrySlot.mu.RUnlock()
		return true
	})
	return count
}

func (responseCache *ResponseCache) slotFor(key string) *slot {
	if existing, ok := responseCache.slots.Load(key); ok {
		return existing.(*slot)
	}
	actual, _ := responseCache.slots.LoadOrStore(key, &slot{})
	return actual.(*slot)
}

// valid returns a copy of the slot's entry if it is still inside the TTL
func (responseCache *ResponseCache) valid(entrySlot *slot) (models.NormalizedResult, bool) {
	entrySlot.mu.RLock()
	defer entrySlot.mu.RUnlock()

	if entrySlot.entry == nil {
		return nil, false
	}
	if responseCache.clock.Now().Sub(entrySlot.entry.FetchedAt) >= responseCache.ttl {
		return nil, false
	}
	return entrySlot.entry.Result.Clone(), true
}

func cacheKey(kind models.DomainKind, identifier string) string {
	return string(kind) + ":" + models.NormalizeIdentifier(identifier)
}
