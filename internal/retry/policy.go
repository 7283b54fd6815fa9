package retry

import (
	"context"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arcgate/gateway/config"
)

// DefaultRetryableStatuses are upstream statuses that trigger a retry. 504 is
// deliberately absent: a slow upstream that already consumed the deadline
// will not get faster on a second attempt.
var DefaultRetryableStatuses = []int{502, 503}

// DefaultRetryableMethods are the idempotent HTTP methods safe to retry.
var DefaultRetryableMethods = []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"}

// Policy implements retry with capped exponential backoff and decorrelated
// jitter. A single Policy is built per proxied request.
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RetryableStatuses map[int]bool
	RetryableMethods  map[string]bool
	PerTryTimeout     time.Duration
	Budget            *Budget
	Metrics           *RouteRetryMetrics

	// OnRetry, when set, runs before each retry attempt and may mutate the
	// request in place — the proxy uses it to re-point the URL at a
	// different healthy instance.
	OnRetry func(req *http.Request, attempt int)
}

// RouteRetryMetrics tracks retry statistics for a route
type RouteRetryMetrics struct {
	Requests        atomic.Int64
	Retries         atomic.Int64
	Successes       atomic.Int64
	Failures        atomic.Int64
	BudgetExhausted atomic.Int64
}

// Snapshot returns a point-in-time copy of the metrics
func (m *RouteRetryMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:        m.Requests.Load(),
		Retries:         m.Retries.Load(),
		Successes:       m.Successes.Load(),
		Failures:        m.Failures.Load(),
		BudgetExhausted: m.BudgetExhausted.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests        int64 `json:"requests"`
	Retries         int64 `json:"retries"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	BudgetExhausted int64 `json:"budget_exhausted"`
}

// NewPolicy creates a retry policy from config. The retryable status/method
// sets are fixed; only max_retries, base_backoff,
// max_backoff and the budget are configurable per deployment.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Metrics:        &RouteRetryMetrics{},
	}

	if p.InitialBackoff == 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * time.Second
	}

	if cfg.Budget.Ratio > 0 {
		p.Budget = NewBudget(cfg.Budget.Ratio, cfg.Budget.MinRetries, cfg.Budget.Window)
	}

	p.RetryableStatuses = make(map[int]bool, len(DefaultRetryableStatuses))
	for _, s := range DefaultRetryableStatuses {
		p.RetryableStatuses[s] = true
	}

	p.RetryableMethods = make(map[string]bool, len(DefaultRetryableMethods))
	for _, m := range DefaultRetryableMethods {
		p.RetryableMethods[m] = true
	}

	return p
}

// NewPolicyFromRouteTimeout creates a retry policy from the global retry
// config, applying a route's effective timeout as the per-try timeout.
func NewPolicyFromRouteTimeout(cfg config.RetryConfig, perTryTimeout time.Duration) *Policy {
	p := NewPolicy(cfg)
	p.PerTryTimeout = perTryTimeout
	return p
}

// Execute runs the request, retrying transport errors and retryable statuses
// for idempotent methods whose body can be replayed. The caller's ctx carries
// the overall deadline; backoff waits are cut short when it expires.
func (p *Policy) Execute(ctx context.Context, transport http.RoundTripper, req *http.Request) (*http.Response, error) {
	p.Metrics.Requests.Add(1)
	if p.Budget != nil {
		p.Budget.RecordRequest()
	}

	if p.MaxRetries <= 0 || !p.bodyReplayable(req) {
		resp, err := p.doRoundTrip(ctx, transport, req)
		if err != nil {
			p.Metrics.Failures.Add(1)
			return nil, err
		}
		p.Metrics.Successes.Add(1)
		return resp, nil
	}

	var lastResp *http.Response
	var lastErr error
	prevBackoff := p.InitialBackoff

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if p.Budget != nil && !p.Budget.AllowRetry() {
				p.Metrics.BudgetExhausted.Add(1)
				break
			}
			p.Metrics.Retries.Add(1)
			if p.Budget != nil {
				p.Budget.RecordRetry()
			}

			backoff := p.nextBackoff(&prevBackoff)
			select {
			case <-ctx.Done():
				if lastResp != nil {
					lastResp.Body.Close()
				}
				p.Metrics.Failures.Add(1)
				return nil, ctx.Err()
			case <-time.After(backoff):
			}

			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					break
				}
				req.Body = body
			}
			if p.OnRetry != nil {
				p.OnRetry(req, attempt)
			}
		}

		resp, err := p.doRoundTrip(ctx, transport, req)
		if err != nil {
			if ctx.Err() != nil {
				p.Metrics.Failures.Add(1)
				return nil, ctx.Err()
			}
			// Transport errors obey the same idempotent-method gate as
			// retryable statuses: a failed connect for a POST is final.
			if !p.RetryableMethods[req.Method] {
				p.Metrics.Failures.Add(1)
				return nil, err
			}
			lastErr = err
			lastResp = nil
			continue
		}

		if !p.IsRetryable(req.Method, resp.StatusCode) {
			p.Metrics.Successes.Add(1)
			return resp, nil
		}

		// Close the previous body before holding the new candidate
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		lastErr = nil
	}

	// All retries exhausted: surface the last upstream's outcome
	p.Metrics.Failures.Add(1)
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// bodyReplayable reports whether the request can be re-sent: either there is
// no body, or GetBody can materialize a fresh copy. A streamed body that has
// already been consumed disqualifies the request from retrying.
func (p *Policy) bodyReplayable(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	return req.GetBody != nil
}

func (p *Policy) doRoundTrip(ctx context.Context, transport http.RoundTripper, req *http.Request) (*http.Response, error) {
	if p.PerTryTimeout > 0 {
		tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
		defer cancel()
		return transport.RoundTrip(req.WithContext(tryCtx))
	}
	return transport.RoundTrip(req.WithContext(ctx))
}

// IsRetryable returns true if the method+status combination should be retried
func (p *Policy) IsRetryable(method string, statusCode int) bool {
	if !p.RetryableMethods[method] {
		return false
	}
	return p.RetryableStatuses[statusCode]
}

// nextBackoff computes the decorrelated-jitter backoff: uniformly random in
// [base, prev*3], capped at MaxBackoff. prev is updated in place so
// successive waits random-walk upward instead of marching in lockstep across
// concurrent clients.
func (p *Policy) nextBackoff(prev *time.Duration) time.Duration {
	base := p.InitialBackoff
	upper := 3 * *prev
	if upper <= base {
		upper = base + 1
	}
	backoff := base + time.Duration(rand.Int63n(int64(upper-base)))
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	*prev = backoff
	return backoff
}
