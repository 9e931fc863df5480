package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gateway"

	resultSuccess  = "success"
	resultFailure  = "failure"
	cacheHitLabel  = "hit"
	cacheMissLabel = "miss"
)

type collectors struct {
	requests       *prometheus.CounterVec
	responses      *prometheus.CounterVec
	duration       prometheus.Histogram
	averageLatency prometheus.Gauge
	domainRequests *prometheus.CounterVec
	domainCache    *prometheus.CounterVec
}

func newCollectors(registerer prometheus.Registerer) (*collectors, error) {
	registered := &collectors{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "requests_total",
				Help:      "Total number of aggregation requests by result",
			},
			[]string{"result"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "cached_responses_total",
				Help:      "Successful aggregation responses by request-level cache result",
			},
			[]string{"cache"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "request_duration_seconds",
				Help:      "Time spent aggregating successful requests",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		averageLatency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "average_response_time_ms",
				Help:      "Exponentially smoothed response time of successful requests",
			},
		),
		domainRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "domain",
				Name:      "requests_total",
				Help:      "Total number of requests per data domain",
			},
			[]string{"domain"},
		),
		domainCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "domain",
				Name:      "cache_lookups_total",
				Help:      "Cache lookups per data domain by result",
			},
			[]string{"domain", "cache"},
		),
	}

	for _, collector := range []prometheus.Collector{
		registered.requests,
		registered.responses,
		registered.duration,
		registered.averageLatency,
		registered.domainRequests,
		registered.domainCache,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return registered, nil
}
