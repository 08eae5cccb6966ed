// Package telemetry provides observability primitives for the Throttle proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	RoutedTotal       *prometheus.CounterVec
	DedupHits         prometheus.Counter
	DedupMisses       prometheus.Counter
	RateLimitSkips    *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
	EstimatedCostUSD  *prometheus.CounterVec
	RoutelogQueueLen  prometheus.Gauge
	KeyFailoversTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "throttle",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "throttle",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "throttle",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "kind"}),

		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "routed_total",
			Help:      "Total routing decisions by mode, tier and model.",
		}, []string{"mode", "tier", "model"}),

		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "dedup_hits_total",
			Help:      "Total duplicate requests served from the completed cache.",
		}),

		DedupMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "dedup_misses_total",
			Help:      "Total dedup cache misses.",
		}),

		RateLimitSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "ratelimit_skips_total",
			Help:      "Total routing candidates skipped for an active cooldown.",
		}, []string{"model"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		EstimatedCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated upstream spend in USD at catalog rates.",
		}, []string{"model"}),

		RoutelogQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "throttle",
			Name:      "routelog_queue_length",
			Help:      "Current number of queued routing log entries.",
		}),

		KeyFailoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "key_failovers_total",
			Help:      "Total Anthropic requests served by the fallback credential.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RoutedTotal,
		m.DedupHits,
		m.DedupMisses,
		m.RateLimitSkips,
		m.TokensProcessed,
		m.EstimatedCostUSD,
		m.RoutelogQueueLen,
		m.KeyFailoversTotal,
	)

	return m
}
