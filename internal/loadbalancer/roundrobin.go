package loadbalancer

import (
	"sync/atomic"
)

// RoundRobin cycles through the healthy set with a single shared counter.
type RoundRobin struct {
	baseBalancer
	current uint64
}

// NewRoundRobin builds the balancer; zero weights normalize to 1.
func NewRoundRobin(backends []*Backend) *RoundRobin {
	rr := &RoundRobin{
		current: 0,
	}

	for _, b := range backends {
		if b.Weight == 0 {
			b.Weight = 1
		}
	}

	rr.backends = backends
	rr.buildIndex()
	return rr
}

// Next advances the shared counter and returns the healthy backend at that
// slot. The healthy cache keeps the hot path lock-free.
func (rr *RoundRobin) Next() *Backend {
	healthy := rr.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	idx := atomic.AddUint64(&rr.current, 1)
	return healthy[(idx-1)%uint64(len(healthy))]
}

// WeightedRoundRobin spreads selections proportionally to weight using the
// classic GCD-stepped algorithm, so over any window of sum(weights) picks
// each backend appears weight times.
type WeightedRoundRobin struct {
	baseBalancer
	current        int
	gcd            int
	maxWeight      int
	healthyGCD      int          // cached GCD of healthy backends
	healthyMaxW     int          // cached max weight of healthy backends
	healthySnap     []*Backend   // last-seen healthy slice (compared by header)
}

// NewWeightedRoundRobin builds the balancer; zero weights normalize to 1.
func NewWeightedRoundRobin(backends []*Backend) *WeightedRoundRobin {
	wrr := &WeightedRoundRobin{
		current: -1,
	}

	for _, b := range backends {
		if b.Weight == 0 {
			b.Weight = 1
		}
	}

	wrr.backends = backends
	wrr.buildIndex()
	wrr.calculateGCD()
	return wrr
}

// calculateGCD refreshes the weight GCD and maximum over all backends.
func (wrr *WeightedRoundRobin) calculateGCD() {
	if len(wrr.backends) == 0 {
		wrr.gcd = 1
		wrr.maxWeight = 0
		return
	}

	wrr.gcd = wrr.backends[0].Weight
	wrr.maxWeight = wrr.backends[0].Weight

	for _, b := range wrr.backends[1:] {
		wrr.gcd = gcd(wrr.gcd, b.Weight)
		if b.Weight > wrr.maxWeight {
			wrr.maxWeight = b.Weight
		}
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Next runs one step of the GCD-weighted cycle over the healthy set.
func (wrr *WeightedRoundRobin) Next() *Backend {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	healthy := wrr.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	// The GCD and max only change when the healthy set does; comparing the
	// slice header is enough to notice that.
	if len(healthy) != len(wrr.healthySnap) ||
		(len(healthy) > 0 && &healthy[0] != &wrr.healthySnap[0]) {
		wrr.healthyGCD = healthy[0].Weight
		wrr.healthyMaxW = healthy[0].Weight
		for _, b := range healthy[1:] {
			wrr.healthyGCD = gcd(wrr.healthyGCD, b.Weight)
			if b.Weight > wrr.healthyMaxW {
				wrr.healthyMaxW = b.Weight
			}
		}
		wrr.healthySnap = healthy
		wrr.current = -1
		wrr.maxWeight = wrr.healthyMaxW
	}

	for {
		wrr.current = (wrr.current + 1) % len(healthy)
		if wrr.current == 0 {
			wrr.maxWeight = wrr.maxWeight - wrr.healthyGCD
			if wrr.maxWeight <= 0 {
				wrr.maxWeight = wrr.healthyMaxW
			}
		}
		if healthy[wrr.current].Weight >= wrr.maxWeight {
			return healthy[wrr.current]
		}
	}
}

// UpdateBackends swaps the backend set and restarts the weighted cycle.
func (wrr *WeightedRoundRobin) UpdateBackends(backends []*Backend) {
	wrr.baseBalancer.UpdateBackends(backends)
	wrr.mu.Lock()
	wrr.calculateGCD()
	wrr.current = -1
	wrr.healthySnap = nil // force recompute on next call
	wrr.mu.Unlock()
}
