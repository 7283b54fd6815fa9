package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/reqctx"
)

func take1(d *dimension, key string) (bool, int64) {
	b := d.buckets.getOrCreate(key, func() *tokenBucket { return newTokenBucket(d.tier) })
	allowed, remaining, _ := b.take()
	return allowed, remaining
}

func TestTokenBucketTake(t *testing.T) {
	tb := newTokenBucket(config.RateLimitTierConfig{Capacity: 10, RefillPerSec: 10, BurstCapacity: 10})

	for i := 0; i < 10; i++ {
		allowed, remaining, _ := tb.take()
		if !allowed {
			t.Errorf("request %d should be allowed", i)
		}
		if remaining != int64(9-i) {
			t.Errorf("request %d: expected remaining %d, got %d", i, 9-i, remaining)
		}
	}
	allowed, _, retryAfter := tb.take()
	if allowed {
		t.Error("11th request should be denied")
	}
	if retryAfter <= 0 {
		t.Errorf("throttled take must report a positive retry-after, got %v", retryAfter)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := newTokenBucket(config.RateLimitTierConfig{Capacity: 10, RefillPerSec: 100, BurstCapacity: 10})

	for i := 0; i < 10; i++ {
		tb.take()
	}
	time.Sleep(200 * time.Millisecond)

	if allowed, _, _ := tb.take(); !allowed {
		t.Error("should have refilled some tokens")
	}
}

func TestTokenBucketZeroCapacityAlwaysThrottles(t *testing.T) {
	tb := newTokenBucket(config.RateLimitTierConfig{Capacity: 0, RefillPerSec: 0, BurstCapacity: 0})
	for i := 0; i < 5; i++ {
		if allowed, _, _ := tb.take(); allowed {
			t.Fatal("capacity 0 / refill 0 bucket must always throttle")
		}
	}
}

func TestTokenBucketRefillNeverExceedsBurst(t *testing.T) {
	tb := newTokenBucket(config.RateLimitTierConfig{Capacity: 2, RefillPerSec: 1000, BurstCapacity: 3})

	tb.take()
	time.Sleep(50 * time.Millisecond) // ~50 tokens worth of elapsed time

	_, remaining, _ := tb.take()
	if remaining != 2 {
		t.Errorf("expected refill capped at burst 3 (remaining 2 after take), got %d", remaining)
	}
}

func TestDimensionDisabledWhenCapacityZero(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		PerIP: config.RateLimitTierConfig{},
	})
	rc := &reqctx.Context{ClientAddress: "any"}
	for i := 0; i < 100; i++ {
		if v := l.Allow(rc); !v.Allowed {
			t.Fatal("disabled dimension must never reject")
		}
	}
}

func TestDimensionBucketMapEvictsUnderLoad(t *testing.T) {
	// A tiny bucket map forces eviction well before 5000 distinct keys are
	// inserted; if eviction weren't wired in, len() would grow to 5000.
	d := newDimension("per_ip", config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1}, numShards*2)

	for i := 0; i < 5000; i++ {
		take1(d, fmt.Sprintf("203.0.113.%d:%d", i%256, i))
	}

	if got := d.buckets.len(); got > numShards*2 {
		t.Fatalf("expected bucket map bounded to ~%d entries, got %d", numShards*2, got)
	}
}

func TestLimiterBucketMapSizeDefaultsWhenUnset(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		PerIP: config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1},
	})
	if l.perIP.buckets.len() != 0 {
		t.Fatalf("expected empty bucket map before any request, got %d", l.perIP.buckets.len())
	}
	take1(l.perIP, "1.2.3.4")
	if l.perIP.buckets.len() != 1 {
		t.Fatalf("expected exactly one resident bucket after one key, got %d", l.perIP.buckets.len())
	}
}

func newTestLimiter() *Limiter {
	return NewLimiter(config.RateLimitConfig{
		PerIP: config.RateLimitTierConfig{Capacity: 2, RefillPerSec: 1, BurstCapacity: 2},
	})
}

func TestLimiterPerIP(t *testing.T) {
	l := newTestLimiter()

	rc1 := &reqctx.Context{ClientAddress: "1.2.3.4"}
	if v := l.Allow(rc1); !v.Allowed {
		t.Fatalf("request 1 should be allowed, rejected by %q", v.Dimension)
	}
	if v := l.Allow(rc1); !v.Allowed {
		t.Fatalf("request 2 should be allowed, rejected by %q", v.Dimension)
	}
	v := l.Allow(rc1)
	if v.Allowed || v.Dimension != "per_ip" {
		t.Fatalf("request 3 should be rejected by per_ip, got allowed=%v dim=%q", v.Allowed, v.Dimension)
	}
	if v.RetryAfter <= 0 {
		t.Fatalf("rejection must carry retry-after, got %v", v.RetryAfter)
	}

	rc2 := &reqctx.Context{ClientAddress: "5.6.7.8"}
	if v := l.Allow(rc2); !v.Allowed {
		t.Fatalf("different IP should still have quota, rejected by %q", v.Dimension)
	}
}

func TestLimiterGlobalDimension(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		Global: config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1},
	})

	rc1 := &reqctx.Context{ClientAddress: "1.1.1.1"}
	if v := l.Allow(rc1); !v.Allowed {
		t.Fatalf("first request should pass the shared global bucket, got %q", v.Dimension)
	}

	rc2 := &reqctx.Context{ClientAddress: "2.2.2.2"}
	v := l.Allow(rc2)
	if v.Allowed || v.Dimension != "global" {
		t.Fatalf("second request from a different IP should exhaust the shared global bucket, got allowed=%v dim=%q", v.Allowed, v.Dimension)
	}
}

func TestLimiterPerUserVsAPIKey(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		PerUser:   config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1},
		PerAPIKey: config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1},
	})

	jwtCaller := &reqctx.Context{Principal: &reqctx.Principal{SubjectID: "same-id", AuthKind: reqctx.AuthJWT}}
	if v := l.Allow(jwtCaller); !v.Allowed {
		t.Fatalf("jwt caller should pass, got %q", v.Dimension)
	}

	apiKeyCaller := &reqctx.Context{Principal: &reqctx.Principal{SubjectID: "same-id", AuthKind: reqctx.AuthAPIKey}}
	if v := l.Allow(apiKeyCaller); !v.Allowed {
		t.Fatalf("api key caller with the same subject id should have its own bucket, got %q", v.Dimension)
	}
}

func TestLimiterPerRoute(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		PerRoute: config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1},
	})

	rc := &reqctx.Context{MatchedRoute: "route-a"}
	if v := l.Allow(rc); !v.Allowed {
		t.Fatalf("first request should pass, got %q", v.Dimension)
	}
	v := l.Allow(rc)
	if v.Allowed || v.Dimension != "per_route" {
		t.Fatalf("second request should be rejected by per_route, got allowed=%v dim=%q", v.Allowed, v.Dimension)
	}

	other := &reqctx.Context{MatchedRoute: "route-b"}
	if v := l.Allow(other); !v.Allowed {
		t.Fatalf("different route should have its own bucket, got %q", v.Dimension)
	}
}

func TestLimiterStrictestDimensionBinds(t *testing.T) {
	// Per-user has 1 token, per-route has 50: the user bucket must bind both
	// the rejection and the retry-after, regardless of the roomier route tier.
	l := NewLimiter(config.RateLimitConfig{
		PerUser:  config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1},
		PerRoute: config.RateLimitTierConfig{Capacity: 50, RefillPerSec: 10, BurstCapacity: 50},
	})

	rc := &reqctx.Context{
		Principal:    &reqctx.Principal{SubjectID: "u1", AuthKind: reqctx.AuthJWT},
		MatchedRoute: "items",
	}

	first := l.Allow(rc)
	if !first.Allowed {
		t.Fatalf("first request should pass, got %q", first.Dimension)
	}
	// The binding (min-remaining) dimension of the allowed verdict is per_user.
	if first.Dimension != "per_user" || first.Remaining != 0 {
		t.Fatalf("expected per_user to bind the allowed verdict with 0 remaining, got %q/%d", first.Dimension, first.Remaining)
	}

	second := l.Allow(rc)
	if second.Allowed || second.Dimension != "per_user" {
		t.Fatalf("expected per_user to bind the rejection, got allowed=%v dim=%q", second.Allowed, second.Dimension)
	}
	if second.RetryAfter <= 0 {
		t.Fatalf("expected retry-after from the per_user bucket, got %v", second.RetryAfter)
	}
}

func TestLimiterOverrideTenantCapacity(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{})

	l.OverrideTenantCapacity("tenant-a", config.TenantQuotaConfig{APICallsPerHour: 3600})

	rc := &reqctx.Context{Principal: &reqctx.Principal{TenantID: "tenant-a"}}
	if v := l.Allow(rc); !v.Allowed {
		t.Fatalf("first request within quota should pass, got %q", v.Dimension)
	}
}

func TestMiddlewareRejectsWithRateLimited(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		PerIP: config.RateLimitTierConfig{Capacity: 1, RefillPerSec: 1, BurstCapacity: 1},
	})

	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	req = reqctx.WithContext(req, &reqctx.Context{ClientAddress: "192.168.1.1"})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected X-RateLimit-Remaining 0, got %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected X-RateLimit-Limit 1, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req)
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}

func TestMiddlewarePassesThroughWithoutContext(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		PerIP: config.RateLimitTierConfig{Capacity: 0},
	})

	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when no reqctx is attached, got %d", rr.Code)
	}
}
