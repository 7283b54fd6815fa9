// Package discovery is the service-discovery cache sitting between route
// matching and load balancing. It owns one
// registry.Registry backend for the whole gateway, periodically resolves
// each route's target service into a live backend list, and republishes a
// strategy-appropriate loadbalancer.Balancer whenever that list changes.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/health"
	"github.com/arcgate/gateway/internal/loadbalancer"
	grpcproxy "github.com/arcgate/gateway/internal/proxy/grpc"
	"github.com/arcgate/gateway/internal/registry"
	"github.com/arcgate/gateway/internal/registry/consul"
	"github.com/arcgate/gateway/internal/registry/etcd"
	"github.com/arcgate/gateway/internal/registry/kubernetes"
	"github.com/arcgate/gateway/internal/registry/memory"
	"github.com/arcgate/gateway/internal/router"
)

// NewRegistry builds the configured registry.Registry backend and, for the
// memory backend, seeds it from the static instance list before returning.
func NewRegistry(cfg config.DiscoveryConfig) (registry.Registry, error) {
	switch cfg.Backend {
	case "", "memory":
		reg := memory.New()
		if err := seedMemory(reg, cfg.Memory); err != nil {
			return nil, err
		}
		return reg, nil
	case "consul":
		return consul.New(cfg.Consul)
	case "etcd":
		return etcd.New(cfg.Etcd)
	case "kubernetes":
		return kubernetes.New(cfg.Kubernetes)
	default:
		return nil, fmt.Errorf("discovery: unknown backend %q", cfg.Backend)
	}
}

func seedMemory(reg *memory.Registry, cfg config.MemoryDiscoveryConfig) error {
	ctx := context.Background()
	for serviceName, instances := range cfg.Services {
		for _, inst := range instances {
			svc := &registry.Service{
				ID:              inst.ID,
				Name:            serviceName,
				Address:         inst.Address,
				Port:            inst.Port,
				Protocol:        inst.Protocol,
				Weight:          inst.Weight,
				Metadata:        inst.Metadata,
				Health:          registry.HealthPassing,
				LastHealthCheck: time.Now(),
			}
			if err := reg.Register(ctx, svc); err != nil {
				return fmt.Errorf("discovery: seeding %s: %w", serviceName, err)
			}
		}
	}
	return nil
}

// entry is the cache's per-route resolved state.
type entry struct {
	route    *router.Route
	mu       sync.RWMutex
	balancer loadbalancer.Balancer
	resolved bool // true once at least one refresh has completed, success or not
}

// Cache owns one registry.Registry and one loadbalancer.Balancer
// per route, refreshed on a timer. When active health checking is enabled it
// also owns an HTTP probe loop per backend plus a grpc.health.v1 probe for
// gRPC backends; the probe result overlays the registry's own health signal.
type Cache struct {
	reg      registry.Registry
	interval time.Duration

	mu      sync.RWMutex
	entries map[string]*entry // route ID -> entry

	checker     *health.Checker
	tcpChecker  *health.TCPChecker
	grpcChecker *grpcproxy.HealthChecker
	hcCfg       config.HealthCheckConfig

	onHealth func(routeID, backendURL string, healthy bool)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCache builds a Cache over reg for the given compiled routes. onHealth,
// if non-nil, is invoked on every backend health transition observed during
// a refresh (wired to metrics.Collector.SetBackendHealth by the caller).
func NewCache(reg registry.Registry, routes []*router.Route, hcCfg config.HealthCheckConfig, onHealth func(routeID, backendURL string, healthy bool)) *Cache {
	c := &Cache{
		reg:      reg,
		hcCfg:    hcCfg,
		entries:  make(map[string]*entry, len(routes)),
		onHealth: onHealth,
		stopCh:   make(chan struct{}),
	}
	if hcCfg.Enabled {
		if hcCfg.Type == "tcp" {
			c.tcpChecker = health.NewTCPChecker(health.TCPCheckerConfig{
				DefaultTimeout:  hcCfg.Timeout,
				DefaultInterval: hcCfg.Interval,
			})
		} else {
			c.checker = health.NewChecker(health.Config{
				DefaultTimeout:  hcCfg.Timeout,
				DefaultInterval: hcCfg.Interval,
			})
		}
		c.grpcChecker = grpcproxy.NewHealthChecker("")
	}
	for _, route := range routes {
		c.entries[route.ID()] = &entry{route: route}
	}
	return c
}

// Start performs an initial synchronous resolve of every route, then
// launches the periodic background refresh loop. It does not fail startup
// when a target service cannot currently be resolved — routes resolve lazily
// as their upstream becomes discoverable, and Pick reports no backend
// (returns false) until then.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	c.interval = interval
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		c.refreshEntry(ctx, e)
	}

	c.wg.Add(1)
	go c.refreshLoop(ctx)
}

// Stop halts the background refresh loop and any probe loops. Safe to call
// multiple times.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.checker != nil {
			c.checker.Stop()
		}
		if c.tcpChecker != nil {
			c.tcpChecker.Stop()
		}
	})
	c.wg.Wait()
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			entries := make([]*entry, 0, len(c.entries))
			for _, e := range c.entries {
				entries = append(entries, e)
			}
			c.mu.RUnlock()
			for _, e := range entries {
				c.refreshEntry(ctx, e)
			}
		}
	}
}

func (c *Cache) refreshEntry(ctx context.Context, e *entry) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	services, err := c.reg.Discover(reqCtx, e.route.Config.TargetServiceName)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolved = true
	if err != nil || len(services) == 0 {
		return
	}

	backends := servicesToBackends(services, e.route.Config.TargetProtocol)
	for _, b := range backends {
		b.InitParsedURL()
	}
	c.overlayProbeHealth(ctx, backends)

	if e.balancer == nil {
		e.balancer = newBalancer(e.route.Config.LoadBalanceStrategy, e.route.Config.ConsistentHashKey, backends)
	} else {
		e.balancer.UpdateBackends(backends)
	}

	if c.onHealth != nil {
		for _, b := range e.balancer.GetBackends() {
			c.onHealth(e.route.ID(), b.URL, b.Healthy)
		}
	}
}

// overlayProbeHealth merges the active health-check signal onto the
// registry-reported health of each backend. HTTP backends are registered
// with the periodic checker and demoted once it reports unhealthy; gRPC
// backends get a synchronous grpc.health.v1 probe per refresh. A backend the
// registry already reports down stays down — the probe can only demote,
// never resurrect, a registry verdict (the registry is the source of
// membership, the probe of liveness).
func (c *Cache) overlayProbeHealth(ctx context.Context, backends []*loadbalancer.Backend) {
	if c.checker == nil && c.tcpChecker == nil {
		return
	}
	for _, b := range backends {
		if b.Protocol == "grpc" {
			if b.Healthy && c.grpcChecker.Check(ctx, hostPort(b)) != nil {
				b.Healthy = false
				b.LastHealthCheck = time.Now()
			}
			continue
		}
		if c.tcpChecker != nil {
			addr := hostPort(b)
			c.tcpChecker.EnsureBackend(health.TCPBackend{
				Address:        addr,
				Interval:       c.hcCfg.Interval,
				Timeout:        c.hcCfg.Timeout,
				HealthyAfter:   c.hcCfg.HealthyAfter,
				UnhealthyAfter: c.hcCfg.UnhealthyAfter,
			})
			if b.Healthy && c.tcpChecker.GetStatus(addr) == health.StatusUnhealthy {
				b.Healthy = false
				b.LastHealthCheck = time.Now()
			}
			continue
		}
		c.checker.UpdateBackend(health.Backend{
			URL:            b.URL,
			HealthPath:     c.hcCfg.Path,
			Method:         c.hcCfg.Method,
			Interval:       c.hcCfg.Interval,
			Timeout:        c.hcCfg.Timeout,
			HealthyAfter:   c.hcCfg.HealthyAfter,
			UnhealthyAfter: c.hcCfg.UnhealthyAfter,
			ExpectedStatus: expectedRanges(c.hcCfg.ExpectedStatus),
		})
		if b.Healthy && c.checker.GetStatus(b.URL) == health.StatusUnhealthy {
			b.Healthy = false
			b.LastHealthCheck = time.Now()
		}
	}
}

func expectedRanges(specs []string) []health.StatusRange {
	ranges := make([]health.StatusRange, 0, len(specs))
	for _, s := range specs {
		if r, err := health.ParseStatusRange(s); err == nil {
			ranges = append(ranges, r)
		}
	}
	return ranges
}

func hostPort(b *loadbalancer.Backend) string {
	return fmt.Sprintf("%s:%d", b.Address, b.Port)
}

// servicesToBackends converts a registry.Service list
// into the load balancer's Backend shape. weight and protocol prefer the
// Service's own fields (set directly by the memory/etcd backends) and fall
// back to the legacy metadata-encoded convention (set by Consul/Kubernetes
// backends, which have no native weight/protocol concept) before finally
// defaulting to 1 and the route's target_protocol.
func servicesToBackends(services []*registry.Service, protocol string) []*loadbalancer.Backend {
	backends := make([]*loadbalancer.Backend, 0, len(services))
	for _, svc := range services {
		weight := svc.Weight
		if weight <= 0 {
			if w, ok := svc.Metadata["weight"]; ok {
				if parsed, err := strconv.Atoi(w); err == nil && parsed > 0 {
					weight = parsed
				}
			}
		}
		if weight <= 0 {
			weight = 1
		}

		proto := svc.Protocol
		if proto == "" {
			if p, ok := svc.Metadata["protocol"]; ok && p != "" {
				proto = p
			}
		}
		if proto == "" {
			proto = protocol
		}
		if proto == "" {
			proto = "http"
		}

		lastCheck := svc.LastHealthCheck
		if lastCheck.IsZero() {
			lastCheck = time.Now()
		}

		backends = append(backends, &loadbalancer.Backend{
			ID:              svc.ID,
			ServiceName:     svc.Name,
			Address:         svc.Address,
			Port:            svc.Port,
			Protocol:        proto,
			URL:             fmt.Sprintf("%s://%s:%d", proto, svc.Address, svc.Port),
			Weight:          weight,
			Healthy:         svc.Health == registry.HealthPassing || svc.Health == "",
			LastHealthCheck: lastCheck,
			Metadata:        svc.Metadata,
		})
	}
	return backends
}

// newBalancer constructs the strategy named by a route's
// load_balance_strategy, defaulting to round_robin.
func newBalancer(strategy, hashKey string, backends []*loadbalancer.Backend) loadbalancer.Balancer {
	switch strategy {
	case "weighted_round_robin":
		return loadbalancer.NewWeightedRoundRobin(backends)
	case "least_connections":
		return loadbalancer.NewLeastConnections(backends)
	case "random":
		return loadbalancer.NewRandom(backends)
	case "ip_hash":
		return loadbalancer.NewIPHash(backends)
	case "consistent_hash":
		return loadbalancer.NewConsistentHash(backends, hashKey)
	default:
		return loadbalancer.NewRoundRobin(backends)
	}
}

// Pick selects a backend for route, preferring the request-aware selection
// path (ip_hash, consistent_hash) when the balancer supports it.
func (c *Cache) Pick(route *router.Route, r *http.Request) (*loadbalancer.Backend, bool) {
	c.mu.RLock()
	e, ok := c.entries[route.ID()]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.RLock()
	bal := e.balancer
	e.mu.RUnlock()
	if bal == nil {
		return nil, false
	}

	if aware, ok := bal.(loadbalancer.RequestAwareBalancer); ok {
		if backend, _ := aware.NextForHTTPRequest(r); backend != nil {
			return backend, true
		}
		return nil, false
	}

	backend := bal.Next()
	return backend, backend != nil
}

// Warm reports whether every route has completed at least one refresh
// attempt, used by the admin plane's readiness probe.
func (c *Cache) Warm() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		e.mu.RLock()
		resolved := e.resolved
		e.mu.RUnlock()
		if !resolved {
			return false
		}
	}
	return true
}

// Close closes the underlying registry connection.
func (c *Cache) Close() error {
	return c.reg.Close()
}
