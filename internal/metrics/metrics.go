// Package metrics is the counter/gauge/histogram half of observability: the
// gateway's own request, cache, retry, circuit-breaker, and back-pressure
// counters, registered against a private prometheus.Registry and exposed
// through the admin plane's metric-exposition endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every gateway-level Prometheus metric. It is created once
// at startup and shared by reference across the pipeline; collectors never
// touch the global prometheus.DefaultRegisterer so unit tests can create as
// many independent Collectors as they like.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	cacheHits           *prometheus.CounterVec
	cacheMisses         *prometheus.CounterVec
	retryTotal          *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	backendHealth       *prometheus.GaugeVec
	activeRequests      *prometheus.GaugeVec
	rateLimitRejects    *prometheus.CounterVec
}

// NewCollector registers every metric against a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_requests_total",
			Help: "Total number of requests handled by the gateway.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runway_request_duration_seconds",
			Help:    "Request duration in seconds, ingress to egress.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"route"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_cache_hits_total",
			Help: "Total permission/route cache hits.",
		}, []string{"route"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_cache_misses_total",
			Help: "Total permission/route cache misses.",
		}, []string{"route"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_retry_total",
			Help: "Total upstream retry attempts.",
		}, []string{"route"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runway_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed, 1=open, 2=half_open).",
		}, []string{"route"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runway_backend_health",
			Help: "Backend health (0=unhealthy, 1=healthy).",
		}, []string{"route", "backend"}),
		activeRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runway_active_requests",
			Help: "In-flight requests per route.",
		}, []string{"route"}),
		rateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_rate_limit_rejects_total",
			Help: "Total requests rejected by the rate-limit manager.",
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.cacheHits,
		c.cacheMisses,
		c.retryTotal,
		c.circuitBreakerState,
		c.backendHealth,
		c.activeRequests,
		c.rateLimitRejects,
	)
	return c
}

// RecordRequest records one completed request's status and duration.
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordCacheHit records a permissions/route cache hit for a route.
func (c *Collector) RecordCacheHit(route string) {
	c.cacheHits.WithLabelValues(route).Inc()
}

// RecordCacheMiss records a permissions/route cache miss for a route.
func (c *Collector) RecordCacheMiss(route string) {
	c.cacheMisses.WithLabelValues(route).Inc()
}

// RecordRetry records one upstream retry attempt for a route.
func (c *Collector) RecordRetry(route string) {
	c.retryTotal.WithLabelValues(route).Inc()
}

// SetCircuitBreakerState publishes the current breaker state (0/1/2) for a
// logical upstream name.
func (c *Collector) SetCircuitBreakerState(route string, state int) {
	c.circuitBreakerState.WithLabelValues(route).Set(float64(state))
}

// SetBackendHealth publishes a backend's health as a 0/1 gauge.
func (c *Collector) SetBackendHealth(route, backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.backendHealth.WithLabelValues(route, backend).Set(v)
}

// RecordActiveRequest adjusts the in-flight gauge for a route by delta
// (+1 on entry, -1 on completion).
func (c *Collector) RecordActiveRequest(route string, delta int) {
	c.activeRequests.WithLabelValues(route).Add(float64(delta))
}

// RecordRateLimitReject records one request rejected by the rate-limit
// manager for a route.
func (c *Collector) RecordRateLimitReject(route string) {
	c.rateLimitRejects.WithLabelValues(route).Inc()
}

// Handler returns the admin plane's metric-exposition endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
