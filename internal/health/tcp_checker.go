package health

import (
	"context"
	"net"
	"sync"
	"time"
)

// TCPBackend describes one instance probed at the TCP layer: the probe
// passes when the address accepts a connection within the timeout. The
// cheaper alternative to the HTTP Checker for upstreams without a health
// endpoint.
type TCPBackend struct {
	Address        string
	Timeout        time.Duration
	Interval       time.Duration
	HealthyAfter   int
	UnhealthyAfter int
}

// TCPCheckerConfig carries the checker-wide probe defaults.
type TCPCheckerConfig struct {
	DefaultTimeout  time.Duration
	DefaultInterval time.Duration
	OnChange        func(address string, status Status)
}

// TCPChecker probes backends with plain connect attempts, one loop per
// address, riding the same probe engine as the HTTP Checker.
type TCPChecker struct {
	mon *monitor

	defaultTimeout  time.Duration
	defaultInterval time.Duration

	mu sync.Mutex
}

// NewTCPChecker builds a TCPChecker; probe loops start as addresses register.
func NewTCPChecker(cfg TCPCheckerConfig) *TCPChecker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 10 * time.Second
	}
	return &TCPChecker{
		mon:             newMonitor(cfg.OnChange),
		defaultTimeout:  cfg.DefaultTimeout,
		defaultInterval: cfg.DefaultInterval,
	}
}

// EnsureBackend registers an address for probing if it is not already
// watched, so the discovery cache can call it on every refresh without
// resetting a live streak.
func (c *TCPChecker) EnsureBackend(b TCPBackend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mon.watched(b.Address) {
		return
	}

	if b.Timeout <= 0 {
		b.Timeout = c.defaultTimeout
	}
	if b.Interval <= 0 {
		b.Interval = c.defaultInterval
	}

	c.mon.watchTarget(b.Address, b.Interval,
		thresholds{healthyAfter: b.HealthyAfter, unhealthyAfter: b.UnhealthyAfter},
		tcpProbe(b.Address, b.Timeout))
}

// tcpProbe builds the closure the engine calls: dial, close, done.
func tcpProbe(address string, timeout time.Duration) probeFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// RemoveBackend stops probing the address.
func (c *TCPChecker) RemoveBackend(address string) {
	c.mon.forget(address)
}

// GetStatus reports the current classification of the address.
func (c *TCPChecker) GetStatus(address string) Status {
	return c.mon.status(address)
}

// IsHealthy reports whether the address has passed enough consecutive
// probes.
func (c *TCPChecker) IsHealthy(address string) bool {
	return c.GetStatus(address) == StatusHealthy
}

// Results snapshots every address's latest probe outcome.
func (c *TCPChecker) Results() map[string]CheckResult {
	return c.mon.results()
}

// CheckNow probes the address synchronously, outside its loop cadence.
func (c *TCPChecker) CheckNow(address string) CheckResult {
	return c.mon.runNow(address)
}

// Stop cancels every probe loop.
func (c *TCPChecker) Stop() {
	c.mon.stop()
}
