// Package metrics exposes the Prometheus collectors for the proxy: request
// counts and latency per provider and model, token throughput, upstream
// errors, and pool health gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mercator-hq/saturn/pkg/store"
)

// Collector holds every metric family under the saturn namespace.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	healthyAccounts *prometheus.GaugeVec
	retriesTotal    *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec
}

// NewCollector registers the metric families on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "saturn",
				Name:      "requests_total",
				Help:      "Completed client requests by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "saturn",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "saturn",
				Name:      "tokens_total",
				Help:      "Tokens processed, by dimension.",
			},
			[]string{"provider", "type"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "saturn",
				Name:      "upstream_errors_total",
				Help:      "Upstream failures by provider and HTTP status.",
			},
			[]string{"provider", "status"},
		),
		healthyAccounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "saturn",
				Name:      "pool_healthy_accounts",
				Help:      "Healthy accounts currently selectable per provider type.",
			},
			[]string{"provider"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "saturn",
				Name:      "retries_total",
				Help:      "Retry-on-another-account occurrences per provider type.",
			},
			[]string{"provider"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "saturn",
				Name:      "fallbacks_total",
				Help:      "Selections served by a fallback provider instead of the primary.",
			},
			[]string{"primary", "actual"},
		),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.tokensTotal,
		c.upstreamErrors,
		c.healthyAccounts,
		c.retriesTotal,
		c.fallbacksTotal,
	)
	return c
}

// Handler serves the scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest notes one completed request. A nil collector is a no-op.
func (c *Collector) RecordRequest(t store.ProviderType, model, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(string(t), model, status).Inc()
	c.requestDuration.WithLabelValues(string(t), model).Observe(d.Seconds())
}

// RecordTokens adds token throughput across the four dimensions.
func (c *Collector) RecordTokens(t store.ProviderType, input, output, cacheCreate, cacheRead int64) {
	if c == nil {
		return
	}
	p := string(t)
	if input > 0 {
		c.tokensTotal.WithLabelValues(p, "input").Add(float64(input))
	}
	if output > 0 {
		c.tokensTotal.WithLabelValues(p, "output").Add(float64(output))
	}
	if cacheCreate > 0 {
		c.tokensTotal.WithLabelValues(p, "cache_creation").Add(float64(cacheCreate))
	}
	if cacheRead > 0 {
		c.tokensTotal.WithLabelValues(p, "cache_read").Add(float64(cacheRead))
	}
}

// RecordUpstreamError notes an upstream failure.
func (c *Collector) RecordUpstreamError(t store.ProviderType, status int) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(string(t), statusLabel(status)).Inc()
}

// RecordRetry notes a retry-on-another-account event.
func (c *Collector) RecordRetry(t store.ProviderType) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(string(t)).Inc()
}

// RecordFallback notes a selection that landed on a fallback provider.
func (c *Collector) RecordFallback(primary, actual store.ProviderType) {
	if c == nil {
		return
	}
	c.fallbacksTotal.WithLabelValues(string(primary), string(actual)).Inc()
}

// SetHealthyAccounts updates the pool gauge for one provider type.
func (c *Collector) SetHealthyAccounts(t store.ProviderType, n int) {
	if c == nil {
		return
	}
	c.healthyAccounts.WithLabelValues(string(t)).Set(float64(n))
}

func statusLabel(status int) string {
	switch {
	case status == 0:
		return "transport"
	case status == 429:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "other"
	}
}
