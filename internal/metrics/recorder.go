// Package metrics keeps the gateway's usage statistics.
//
// Recorder holds the process-wide counters served at /metrics. The same
// events are exported to Prometheus and, when a StatsSink is attached,
// mirrored out of the process.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dalfonso89/state-gateway/internal/models"
)

// latencySmoothing is the weight of the newest sample in the moving average
const latencySmoothing = 0.1

// StatsSink receives popularity events; implementations must not block
type StatsSink interface {
	RecordPopularity(kind models.DomainKind, identifier string)
}

// popularityCounter counts identifiers of one domain and remembers first-seen order
type popularityCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	order  []string
}

// Recorder is the MetricsRecorder of the gateway
type Recorder struct {
	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64

	latencyMutex     sync.Mutex
	averageLatencyMs float64

	// fixed at construction, one counter per domain
	popularity map[models.DomainKind]*popularityCounter

	collectors *collectors
	sink       StatsSink
}

// PopularEntry is one identifier and how often it was requested
type PopularEntry struct {
	Identifier string `json:"identifier"`
	Count      int64  `json:"count"`
}

type Overview struct {
	TotalRequests         int64   `json:"total_requests"`
	SuccessfulRequests    int64   `json:"successful_requests"`
	FailedRequests        int64   `json:"failed_requests"`
	SuccessRate           string  `json:"success_rate"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
}

type CacheStats struct {
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	HitRate string `json:"hit_rate"`
}

// Snapshot is a point-in-time copy of the metrics
type Snapshot struct {
	Overview Overview                  `json:"overview"`
	Cache    CacheStats                `json:"cache"`
	Popular  map[string][]PopularEntry `json:"popular"`

	PopularAssets    map[string]int64 `json:"popular_assets"`
	PopularCountries map[string]int64 `json:"popular_countries"`

	successRate  float64
	cacheHitRate float64
}

// SuccessRatePercent returns the success rate as a number
func (snapshot Snapshot) SuccessRatePercent() float64 { return snapshot.successRate }

// CacheHitRatePercent returns the cache hit rate as a number
func (snapshot Snapshot) CacheHitRatePercent() float64 { return snapshot.cacheHitRate }

// NewRecorder creates a recorder and registers its Prometheus collectors on registerer.
// A nil registerer disables Prometheus export; a nil sink disables mirroring.
func NewRecorder(registerer prometheus.Registerer, sink StatsSink) (*Recorder, error) {
	recorder := &Recorder{
		popularity: make(map[models.DomainKind]*popularityCounter, len(models.AllDomains)),
		sink:       sink,
	}
	for _, kind := range models.AllDomains {
		recorder.popularity[kind] = &popularityCounter{counts: make(map[string]int64)}
	}

	if registerer != nil {
		registered, err := newCollectors(registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		recorder.collectors = registered
	}

	return recorder, nil
}

// RecordAttempt counts a request that reached aggregation
func (recorder *Recorder) RecordAttempt() {
	recorder.totalRequests.Add(1)
}

// RecordOutcome records how an attempt ended.
// Failures only count as failed; latency and cache counters follow successful requests.
func (recorder *Recorder) RecordOutcome(success bool, elapsed time.Duration, cacheHit bool) {
	if !success {
		recorder.failedRequests.Add(1)
		if recorder.collectors != nil {
			recorder.collectors.requests.WithLabelValues(resultFailure).Inc()
		}
		return
	}

	recorder.successfulRequests.Add(1)
	if cacheHit {
		recorder.cacheHits.Add(1)
	} else {
		recorder.cacheMisses.Add(1)
	}

	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	recorder.latencyMutex.Lock()
	recorder.averageLatencyMs = recorder.averageLatencyMs*(1-latencySmoothing) + elapsedMs*latencySmoothing
	average := recorder.averageLatencyMs
	recorder.latencyMutex.Unlock()

	if recorder.collectors != nil {
		recorder.collectors.requests.WithLabelValues(resultSuccess).Inc()
		recorder.collectors.duration.Observe(elapsed.Seconds())
		recorder.collectors.averageLatency.Set(average)
		if cacheHit {
			recorder.collectors.responses.WithLabelValues(cacheHitLabel).Inc()
		} else {
			recorder.collectors.responses.WithLabelValues(cacheMissLabel).Inc()
		}
	}
}

// RecordDomainRequested counts a request for identifier in domain kind
func (recorder *Recorder) RecordDomainRequested(kind models.DomainKind, identifier string) {
	counter, ok := recorder.popularity[kind]
	if !ok {
		return
	}
	normalized := models.NormalizeIdentifier(identifier)
	if normalized == "" {
		return
	}

	counter.mu.Lock()
	if _, seen := counter.counts[normalized]; !seen {
		counter.order = append(counter.order, normalized)
	}
	counter.counts[normalized]++
	counter.mu.Unlock()

	if recorder.collectors != nil {
		recorder.collectors.domainRequests.WithLabelValues(string(kind)).Inc()
	}
	if recorder.sink != nil {
		recorder.sink.RecordPopularity(kind, normalized)
	}
}

// RecordDomainCache records whether one domain was served from the cache
func (recorder *Recorder) RecordDomainCache(kind models.DomainKind, hit bool) {
	if recorder.collectors == nil {
		return
	}
	label := cacheMissLabel
	if hit {
		label = cacheHitLabel
	}
	recorder.collectors.domainCache.WithLabelValues(string(kind), label).Inc()
}

// Snapshot returns the current metrics with the topN identifiers of every domain
func (recorder *Recorder) Snapshot(topN int) Snapshot {
	total := recorder.totalRequests.Load()
	successful := recorder.successfulRequests.Load()
	hits := recorder.cacheHits.Load()
	misses := recorder.cacheMisses.Load()

	recorder.latencyMutex.Lock()
	average := recorder.averageLatencyMs
	recorder.latencyMutex.Unlock()

	successRate := percentage(successful, total)
	cacheHitRate := percentage(hits, hits+misses)

	snapshot := Snapshot{
		Overview: Overview{
			TotalRequests:         total,
			SuccessfulRequests:    successful,
			FailedRequests:        recorder.failedRequests.Load(),
			SuccessRate:           fmt.Sprintf("%.1f%%", successRate),
			AverageResponseTimeMs: roundTo2(average),
		},
		Cache: CacheStats{
			Hits:    hits,
			Misses:  misses,
			HitRate: fmt.Sprintf("%.1f%%", cacheHitRate),
		},
		Popular:      make(map[string][]PopularEntry, len(recorder.popularity)),
		successRate:  successRate,
		cacheHitRate: cacheHitRate,
	}

	for kind, counter := range recorder.popularity {
		snapshot.Popular[string(kind)] = counter.top(topN)
	}
	snapshot.PopularAssets = entriesToMap(snapshot.Popular[string(models.DomainEconomy)])
	snapshot.PopularCountries = entriesToMap(snapshot.Popular[string(models.DomainWeather)])

	return snapshot
}

// top returns the n most requested identifiers, ties in first-seen order
func (counter *popularityCounter) top(n int) []PopularEntry {
	counter.mu.Lock()
	entries := make([]PopularEntry, 0, len(counter.order))
	for _, identifier := range counter.order {
		entries = append(entries, PopularEntry{Identifier: identifier, Count: counter.counts[identifier]})
	}
	counter.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})

	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

func entriesToMap(entries []PopularEntry) map[string]int64 {
	result := make(map[string]int64, len(entries))
	for _, entry := range entries {
		result[entry.Identifier] = entry.Count
	}
	return result
}

func percentage(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func roundTo2(value float64) float64 {
	return float64(int64(value*100+0.5)) / 100
}
