// Package circuitbreaker provides a three-state breaker per logical
// upstream name, with optional per-route policy overrides.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcgate/gateway/config"
)

// State is one of the breaker's three states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Policy is the fixed set of thresholds and timeouts governing transitions.
type Policy struct {
	FailureThreshold     int
	VolumeThreshold      int
	FailureRateThreshold float64 // percent, 0-100
	RecoveryTimeout      time.Duration
	HalfOpenTimeout      time.Duration
	SuccessThreshold     int
}

// PolicyFromConfig builds a Policy from the global default, applying a
// route's override fields where present.
func PolicyFromConfig(def config.CircuitBreakerConfig, override *config.RouteBreakerOverride) Policy {
	p := Policy{
		FailureThreshold:     def.FailureThreshold,
		VolumeThreshold:      def.VolumeThreshold,
		FailureRateThreshold: def.FailureRateThreshold,
		RecoveryTimeout:      def.RecoveryTimeout,
		HalfOpenTimeout:      def.HalfOpenTimeout,
		SuccessThreshold:     def.SuccessThreshold,
	}
	if override == nil {
		return p
	}
	if override.FailureThreshold > 0 {
		p.FailureThreshold = override.FailureThreshold
	}
	if override.VolumeThreshold > 0 {
		p.VolumeThreshold = override.VolumeThreshold
	}
	if override.FailureRateThreshold > 0 {
		p.FailureRateThreshold = override.FailureRateThreshold
	}
	if override.RecoveryTimeout > 0 {
		p.RecoveryTimeout = override.RecoveryTimeout
	}
	if override.HalfOpenTimeout > 0 {
		p.HalfOpenTimeout = override.HalfOpenTimeout
	}
	if override.SuccessThreshold > 0 {
		p.SuccessThreshold = override.SuccessThreshold
	}
	return p
}

// Breaker is one logical upstream's failure state machine.
type Breaker struct {
	policy Policy

	mu                     sync.Mutex
	state                  State
	consecutiveFailures    int
	consecutiveSuccesses   int // only meaningful in half_open
	openEnteredAt          time.Time
	halfOpenEnteredAt      time.Time

	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a closed breaker governed by policy.
func New(policy Policy) *Breaker {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = 5
	}
	if policy.SuccessThreshold <= 0 {
		policy.SuccessThreshold = 2
	}
	if policy.RecoveryTimeout <= 0 {
		policy.RecoveryTimeout = 30 * time.Second
	}
	if policy.HalfOpenTimeout <= 0 {
		policy.HalfOpenTimeout = 10 * time.Second
	}
	return &Breaker{state: StateClosed, policy: policy}
}

// CanProceed reports whether a request may be attempted, applying the
// open->half_open transition on recovery-timeout elapse and the
// half_open->open transition on half-open-timeout elapse.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openEnteredAt) >= b.policy.RecoveryTimeout {
			b.toHalfOpen()
			return true
		}
		b.totalRejected.Add(1)
		return false

	case StateHalfOpen:
		if time.Since(b.halfOpenEnteredAt) >= b.policy.HalfOpenTimeout {
			// Half-open window expired without reaching success_threshold: re-open.
			b.toOpen()
			b.totalRejected.Add(1)
			return false
		}
		return true
	}
	return false
}

// RecordSuccess records a success: a final HTTP status in 1xx/2xx/3xx, or a
// gRPC status of ok. Counted into total_requests.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.policy.SuccessThreshold {
			b.toClosed()
		}
	}
}

// RecordFailure records a failure: transport error, timeout, 5xx, or gRPC
// status in {unavailable, deadline_exceeded, internal, unknown}.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)
	b.failedRequests.Add(1)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.tripsOnFailure() {
			b.toOpen()
		}

	case StateHalfOpen:
		b.toOpen()
	}
}

// RecordNeutral records a 4xx response: counted into total_requests but
// neither a success nor a failure for breaker accounting (Open
// Question (c)).
func (b *Breaker) RecordNeutral() {
	b.totalRequests.Add(1)
}

// tripsOnFailure reports whether the closed->open condition holds.
// Caller must hold b.mu.
func (b *Breaker) tripsOnFailure() bool {
	if b.consecutiveFailures >= b.policy.FailureThreshold {
		return true
	}
	total := b.totalRequests.Load()
	if b.policy.VolumeThreshold > 0 && total >= int64(b.policy.VolumeThreshold) {
		failed := b.failedRequests.Load()
		rate := float64(failed) / float64(total) * 100
		if rate >= b.policy.FailureRateThreshold && b.policy.FailureRateThreshold > 0 {
			return true
		}
	}
	return false
}

// toOpen, toHalfOpen, toClosed perform state transitions. Caller must hold b.mu.
func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openEnteredAt = time.Now()
	b.consecutiveSuccesses = 0
}

func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.halfOpenEnteredAt = time.Now()
	b.consecutiveSuccesses = 0
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}

// ForceOpen and ForceClose are admin operations.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toOpen()
}

func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
}

// Reset clears all counters and returns the breaker to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
	b.totalRequests.Store(0)
	b.failedRequests.Store(0)
	b.totalRejected.Store(0)
}

// Snapshot returns a point-in-time view, for admin/metrics exposure.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalRequests:       b.totalRequests.Load(),
		FailedRequests:      b.failedRequests.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
}

// Snapshot is a serializable view of a Breaker.
type Snapshot struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalRequests       int64  `json:"total_requests"`
	FailedRequests      int64  `json:"failed_requests"`
	TotalRejected       int64  `json:"total_rejected"`
}

// Registry owns one Breaker per logical upstream name, constructing new
// breakers lazily from a default policy combined with a route's override.
type Registry struct {
	defaultPolicy func() Policy
	mu            sync.RWMutex
	breakers      map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers are built from defaultCfg
// unless a call site supplies a per-route override.
func NewRegistry(defaultCfg config.CircuitBreakerConfig) *Registry {
	return &Registry{
		defaultPolicy: func() Policy { return PolicyFromConfig(defaultCfg, nil) },
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the breaker for upstreamName, creating it with override (which
// may be nil) the first time it is requested. Subsequent calls for the same
// name ignore override and return the already-created breaker: overrides are
// fixed at first use, per upstream name, matching the registry's "per
// logical upstream name, with per-route overrides" semantics (Open
// Question (b)).
func (r *Registry) Get(upstreamName string, override *config.RouteBreakerOverride) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstreamName]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[upstreamName]; ok {
		return b
	}
	def := r.defaultPolicy()
	policy := def
	if override != nil {
		var defCfg config.CircuitBreakerConfig
		defCfg.FailureThreshold = def.FailureThreshold
		defCfg.VolumeThreshold = def.VolumeThreshold
		defCfg.FailureRateThreshold = def.FailureRateThreshold
		defCfg.RecoveryTimeout = def.RecoveryTimeout
		defCfg.HalfOpenTimeout = def.HalfOpenTimeout
		defCfg.SuccessThreshold = def.SuccessThreshold
		policy = PolicyFromConfig(defCfg, override)
	}
	b = New(policy)
	r.breakers[upstreamName] = b
	return b
}

// Snapshots returns a snapshot of every breaker currently tracked, keyed by
// upstream name.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
