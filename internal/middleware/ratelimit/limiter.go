// Package ratelimit applies token-bucket rate limiting across six
// independent dimensions (global, per_ip, per_user, per_api_key, per_route,
// per_tenant). Each dimension is evaluated independently; a request is
// rejected if any enabled dimension's bucket is empty, and the response
// carries the binding dimension's limit headers.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/errors"
	"github.com/arcgate/gateway/internal/reqctx"
)

// tokenBucket is a single dimension's state for a single key. Refill is
// lazy: whole tokens accrue at refillRate per second, and the refill instant
// only advances when at least one whole token was added, so fractional
// progress is never silently discarded by rapid polling.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int64
	burst      int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(tier config.RateLimitTierConfig) *tokenBucket {
	burst := int64(tier.Capacity)
	if int64(tier.BurstCapacity) > burst {
		burst = int64(tier.BurstCapacity)
	}
	return &tokenBucket{
		tokens:     int64(tier.Capacity),
		burst:      burst,
		refillRate: int64(tier.RefillPerSec),
		lastRefill: time.Now(),
	}
}

// take consumes one token if available. It reports whether the request is
// allowed, the tokens remaining afterward, and — when throttled — how long
// until one token accrues.
func (b *tokenBucket) take() (allowed bool, remaining int64, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.refillRate > 0 {
		elapsed := now.Sub(b.lastRefill).Seconds()
		added := int64(math.Floor(elapsed * float64(b.refillRate)))
		if added > 0 {
			b.tokens += added
			if b.tokens > b.burst {
				b.tokens = b.burst
			}
			b.lastRefill = now
		}
	}

	if b.tokens < 1 {
		return false, 0, b.timeToNextToken(now)
	}
	b.tokens--
	return true, b.tokens, 0
}

// timeToNextToken is the ceiling of the wait for one token to accrue.
func (b *tokenBucket) timeToNextToken(now time.Time) time.Duration {
	if b.refillRate <= 0 {
		// Nothing will ever accrue; advertise a long hold-off.
		return time.Hour
	}
	perToken := time.Duration(float64(time.Second) / float64(b.refillRate))
	next := b.lastRefill.Add(perToken)
	wait := next.Sub(now)
	if wait < 0 {
		wait = perToken
	}
	// Round up to whole seconds for the Retry-After projection.
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// defaultBucketMapSize bounds a dimension's bucket map when the config
// leaves bucket_map_size unset. Config validation applies the same default
// to parsed files, but callers building config.RateLimitConfig directly
// bypass that.
const defaultBucketMapSize = 10000

// dimension is one rate-limit axis: an enabled tier config plus the sharded,
// size-bounded bucket map keyed by whatever identity that axis cares about.
type dimension struct {
	name    string
	tier    config.RateLimitTierConfig
	enabled bool
	buckets *shardedMap[*tokenBucket]
}

func newDimension(name string, tier config.RateLimitTierConfig, bucketMapSize int) *dimension {
	if bucketMapSize <= 0 {
		bucketMapSize = defaultBucketMapSize
	}
	return &dimension{
		name:    name,
		tier:    tier,
		enabled: tier.Capacity > 0,
		buckets: newShardedMap[*tokenBucket](bucketMapSize),
	}
}

func (d *dimension) limit() int {
	if d.tier.BurstCapacity > d.tier.Capacity {
		return d.tier.BurstCapacity
	}
	return d.tier.Capacity
}

// Verdict is the outcome of evaluating every applicable dimension. When
// throttled, Dimension names the binding (rejecting) axis; when allowed,
// it names the axis with the fewest tokens left, whose numbers feed the
// X-RateLimit response headers.
type Verdict struct {
	Allowed    bool
	Dimension  string
	Limit      int
	Remaining  int64
	RetryAfter time.Duration
}

// allowedVerdict is the zero-cost verdict for requests no dimension applies
// to; Remaining -1 marks "no binding dimension yet" for Allow's
// fewest-remaining tracking, and the empty Dimension makes SetHeaders emit
// nothing.
var allowedVerdict = Verdict{Allowed: true, Remaining: -1}

// Limiter evaluates all six dimensions for an incoming request.
type Limiter struct {
	global    *dimension
	perIP     *dimension
	perUser   *dimension
	perAPIKey *dimension
	perRoute  *dimension
	perTenant *dimension
}

// NewLimiter builds a Limiter from the gateway's rate_limit config. Every
// dimension's bucket map is bounded to cfg.BucketMapSize keys with LRU
// eviction; a dimension that outgrows its share evicts its
// least-recently-touched key first rather than growing unbounded.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	size := cfg.BucketMapSize
	return &Limiter{
		global:    newDimension("global", cfg.Global, size),
		perIP:     newDimension("per_ip", cfg.PerIP, size),
		perUser:   newDimension("per_user", cfg.PerUser, size),
		perAPIKey: newDimension("per_api_key", cfg.PerAPIKey, size),
		perRoute:  newDimension("per_route", cfg.PerRoute, size),
		perTenant: newDimension("per_tenant", cfg.PerTenant, size),
	}
}

// Allow evaluates every enabled dimension for rc in a fixed order and
// returns the strictest verdict: the first throttling dimension binds the
// rejection, otherwise the dimension with the fewest remaining tokens binds
// the headers. The global bucket is keyed by a constant so every request
// shares it.
func (l *Limiter) Allow(rc *reqctx.Context) Verdict {
	verdict := allowedVerdict

	check := func(d *dimension, key string) bool {
		if !d.enabled || key == "" {
			return true
		}
		var bucket *tokenBucket
		if d.tier.Capacity > 0 {
			bucket = d.buckets.getOrCreate(key, func() *tokenBucket { return newTokenBucket(d.tier) })
		} else if b, ok := d.buckets.get(key); ok {
			// A zero-capacity default tier applies only to keys with an
			// installed override bucket; every other key is skipped.
			bucket = b
		} else {
			return true
		}
		allowed, remaining, retryAfter := bucket.take()
		if !allowed {
			verdict = Verdict{
				Allowed:    false,
				Dimension:  d.name,
				Limit:      d.limit(),
				Remaining:  0,
				RetryAfter: retryAfter,
			}
			return false
		}
		if verdict.Remaining < 0 || remaining < verdict.Remaining {
			verdict.Dimension = d.name
			verdict.Limit = d.limit()
			verdict.Remaining = remaining
		}
		return true
	}

	if !check(l.global, "global") {
		return verdict
	}
	if !check(l.perIP, rc.ClientAddress) {
		return verdict
	}
	if rc.Principal != nil && rc.Principal.AuthKind != reqctx.AuthAnonymous {
		if rc.Principal.AuthKind == reqctx.AuthAPIKey {
			if !check(l.perAPIKey, rc.Principal.SubjectID) {
				return verdict
			}
		} else if !check(l.perUser, rc.Principal.SubjectID) {
			return verdict
		}
	}
	if !check(l.perRoute, rc.MatchedRoute) {
		return verdict
	}
	if rc.Principal != nil {
		if !check(l.perTenant, rc.Principal.TenantID) {
			return verdict
		}
	}
	return verdict
}

// OverrideTenantCapacity installs a per-tenant bucket whose capacity and
// refill rate come from that tenant's declared quota, overriding the
// dimension's default tier the first time the tenant is seen.
func (l *Limiter) OverrideTenantCapacity(tenantID string, quota config.TenantQuotaConfig) {
	if quota.APICallsPerHour <= 0 {
		return
	}
	tier := config.RateLimitTierConfig{
		Capacity:      quota.APICallsPerHour,
		RefillPerSec:  quota.APICallsPerHour / 3600,
		BurstCapacity: quota.APICallsPerHour,
	}
	if tier.RefillPerSec < 1 {
		tier.RefillPerSec = 1
	}
	l.perTenant.buckets.set(tenantID, newTokenBucket(tier))
	l.perTenant.enabled = true
}

// SetHeaders writes the X-RateLimit response headers from a verdict, plus
// Retry-After when throttled.
func SetHeaders(h http.Header, v Verdict) {
	if v.Dimension == "" {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(v.Remaining, 10))
	if !v.Allowed {
		h.Set("Retry-After", strconv.FormatInt(int64(math.Ceil(v.RetryAfter.Seconds())), 10))
	}
}

// Middleware returns an http middleware enforcing Allow against the
// request's reqctx.Context, responding 429 via the gateway error taxonomy
// when any dimension rejects the request.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.FromRequest(r)
			if rc == nil {
				next.ServeHTTP(w, r)
				return
			}
			verdict := l.Allow(rc)
			SetHeaders(w.Header(), verdict)
			if !verdict.Allowed {
				gwErr := errors.New(errors.KindRateLimited, "rate limit exceeded on "+verdict.Dimension+" dimension").
					WithRequestID(rc.RequestID)
				gwErr.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
