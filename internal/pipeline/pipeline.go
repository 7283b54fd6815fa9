// Package pipeline composes every stage into the gateway's single data-plane
// http.Handler, in a fixed order: match, authenticate,
// resolve tenant, authorize, rate-limit, discover, breaker-gate, proxy.
package pipeline

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/authz"
	"github.com/arcgate/gateway/internal/circuitbreaker"
	"github.com/arcgate/gateway/internal/discovery"
	"github.com/arcgate/gateway/internal/errors"
	"github.com/arcgate/gateway/internal/loadbalancer"
	"github.com/arcgate/gateway/internal/metrics"
	"github.com/arcgate/gateway/internal/middleware"
	"github.com/arcgate/gateway/internal/middleware/auditlog"
	"github.com/arcgate/gateway/internal/middleware/auth"
	"github.com/arcgate/gateway/internal/middleware/ratelimit"
	"github.com/arcgate/gateway/internal/middleware/realip"
	"github.com/arcgate/gateway/internal/middleware/tenant"
	"github.com/arcgate/gateway/internal/proxy"
	"github.com/arcgate/gateway/internal/reqctx"
	"github.com/arcgate/gateway/internal/router"
	"github.com/arcgate/gateway/internal/tracing"
)

const routeAnnotationKey = "route"

// Pipeline owns every stage collaborator and exposes the composed data-plane
// handler. It is built once per configuration generation.
type Pipeline struct {
	cfg *config.Config
	log *zap.Logger

	router     *router.Router
	jwtAuth    *auth.JWTAuth
	apiKeyAuth *auth.APIKeyAuth
	tenantMgr  *tenant.Manager
	authzEval  *authz.Evaluator
	limiter    *ratelimit.Limiter
	breakers   *circuitbreaker.Registry
	discovery  *discovery.Cache
	proxy      *proxy.Proxy
	metrics    *metrics.Collector
	audit      *auditlog.Sink
	tracer     *tracing.Tracer
	realIP     *realip.CompiledRealIP

	maxInFlight int64
	inFlight    atomic.Int64
}

// New builds every stage collaborator from cfg. It does not start the
// discovery cache's background refresh — call Start for that once the
// returned Pipeline is ready to serve.
func New(cfg *config.Config, log *zap.Logger) (*Pipeline, error) {
	rt := router.Build(cfg.Routes)

	jwtAuth, err := auth.NewJWTAuth(cfg.Authentication.JWT)
	if err != nil {
		return nil, err
	}

	apiKeyAuth := auth.NewAPIKeyAuth(cfg.Authentication.APIKey)
	if mgmt := cfg.Authentication.APIKey.Management; mgmt.Enabled {
		var defaultRL *auth.KeyRateLimit
		if mgmt.DefaultLimit != nil {
			defaultRL = &auth.KeyRateLimit{
				Rate:   mgmt.DefaultLimit.Rate,
				Period: mgmt.DefaultLimit.Period,
				Burst:  mgmt.DefaultLimit.Burst,
			}
		}
		manager := auth.NewAPIKeyManager(auth.KeyManagerConfig{
			KeyLength: mgmt.KeyLength,
			KeyPrefix: mgmt.KeyPrefix,
			DefaultRL: defaultRL,
			Store:     auth.NewMemoryKeyStore(time.Minute),
		})
		apiKeyAuth.SetManager(manager)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	for id, entry := range cfg.Tenant.Tenants {
		limiter.OverrideTenantCapacity(id, entry.Quota)
	}

	tracer, err := tracing.New(cfg.Observability.Tracing)
	if err != nil {
		return nil, err
	}

	realIP, err := realip.New(cfg.Security.TrustedProxies, []string{"X-Forwarded-For"}, 10)
	if err != nil {
		return nil, err
	}

	reg, err := discovery.NewRegistry(cfg.Discovery)
	if err != nil {
		return nil, err
	}

	mcol := metrics.NewCollector()
	disc := discovery.NewCache(reg, rt.Routes(), cfg.Discovery.HealthCheck, mcol.SetBackendHealth)

	return &Pipeline{
		cfg:         cfg,
		log:         log,
		router:      rt,
		jwtAuth:     jwtAuth,
		apiKeyAuth:  apiKeyAuth,
		tenantMgr:   tenant.NewManager(cfg.Tenant),
		authzEval:   authz.NewEvaluator(cfg.Authorization),
		limiter:     limiter,
		breakers:    circuitbreaker.NewRegistry(cfg.CircuitBreaker),
		discovery:   disc,
		proxy:       proxy.New(cfg.Timeouts, cfg.Retry, cfg.Security, cfg.Upstream, cfg.GRPC),
		metrics:     mcol,
		audit:       auditlog.New(cfg.Observability.AuditLog, log),
		tracer:      tracer,
		realIP:      realIP,
		maxInFlight: cfg.Server.MaxInFlight,
	}, nil
}

// Start seeds and begins the service-discovery cache's periodic refresh.
func (p *Pipeline) Start(ctx context.Context) {
	p.discovery.Start(ctx, p.cfg.Discovery.RefreshInterval)
}

// Stop releases every background goroutine the pipeline owns.
func (p *Pipeline) Stop() {
	p.discovery.Stop()
	p.tracer.Close()
	p.discovery.Close()
}

// Router exposes the compiled route index for the admin plane's read-only
// route listing.
func (p *Pipeline) Router() *router.Router { return p.router }

// Metrics exposes the collector for the admin plane's exposition endpoint.
func (p *Pipeline) Metrics() *metrics.Collector { return p.metrics }

// Breakers exposes the circuit-breaker registry for the admin plane's
// read-only breaker listing.
func (p *Pipeline) Breakers() *circuitbreaker.Registry { return p.breakers }

// RefreshKeys triggers an immediate key-set refresh, backing the admin
// plane's operator-triggered refresh endpoint.
func (p *Pipeline) RefreshKeys(ctx context.Context) error {
	return p.jwtAuth.RefreshKeys(ctx)
}

// Warm reports whether every stage with a warm-up requirement is ready,
// feeding the admin plane's readiness probe.
func (p *Pipeline) Warm() bool {
	if p.jwtAuth.IsEnabled() && !p.jwtAuth.Warm() {
		return false
	}
	return p.discovery.Warm()
}

// Handler builds the full data-plane handler: outer cross-cutting concerns
// (panic recovery, request id, real-ip) wrap the reqctx-carrying core, which
// itself composes route match, authentication, tenant, authorization and
// rate-limit stages ahead of the proxy-and-breaker core.
func (p *Pipeline) Handler() http.Handler {
	var core http.Handler = http.HandlerFunc(p.serveMatched)
	core = p.withRateLimit(core)
	core = p.withAuthorization(core)
	core = p.tenantMgr.Middleware()(core)
	core = p.withAuthentication(core)
	core = p.withRouteMatch(core)
	core = p.tracer.Middleware()(core)
	core = p.withBodyLimit(core)
	core = p.withBackpressure(core)
	core = p.audit.Middleware()(core)
	core = p.withReqCtx(core)
	core = p.realIP.Middleware(core)
	core = middleware.RequestID()(core)
	core = middleware.Recovery()(core)
	return core
}

// withReqCtx installs a fresh reqctx.Context for the request's lifetime and
// returns it to the pool once the whole chain has run. The request id comes
// from the header the upstream RequestID middleware stamped; the trace id is
// taken from the inbound X-Trace-Id header when present and minted otherwise,
// the parent-span id is taken from X-Span-Id (empty when absent), and a fresh
// span id is always minted.
func (p *Pipeline) withReqCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.New()
		rc.RequestID = r.Header.Get("X-Request-ID")
		rc.TraceID = r.Header.Get("X-Trace-Id")
		if rc.TraceID == "" {
			rc.TraceID = uuid.New().String()
		}
		rc.ParentSpanID = r.Header.Get("X-Span-Id")
		rc.SpanID = uuid.New().String()
		rc.ClientAddress = realip.FromContext(r.Context())
		if rc.ClientAddress == "" {
			rc.ClientAddress = r.RemoteAddr
		}
		rc.Method = r.Method
		rc.Path = r.URL.Path
		rc.Query = r.URL.RawQuery
		rc.Headers = r.Header
		rc.StartInstant = time.Now()
		defer rc.Release()

		next.ServeHTTP(w, reqctx.WithContext(r, rc))
	})
}

// withBodyLimit rejects requests whose declared or observed body size
// exceeds server.max_request_body_mb with payload_too_large. A zero
// limit disables the gate.
func (p *Pipeline) withBodyLimit(next http.Handler) http.Handler {
	limit := p.cfg.Server.MaxRequestBodyMB * 1024 * 1024
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			p.writeErr(w, reqctx.FromRequest(r), errors.ErrPayloadTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// withBackpressure enforces server.max_in_flight ahead of any route-specific
// work. A zero limit disables the gate.
func (p *Pipeline) withBackpressure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.maxInFlight <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if p.inFlight.Add(1) > p.maxInFlight {
			p.inFlight.Add(-1)
			p.writeErr(w, reqctx.FromRequest(r), errors.ErrOverloaded)
			return
		}
		defer p.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// withRouteMatch runs the route matcher and rejects unmatched or disabled
// routes with
// route_not_found.
func (p *Pipeline) withRouteMatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.FromRequest(r)

		match := p.router.Match(r)
		if match == nil || match.Route.Config.Disabled {
			p.writeErr(w, rc, errors.ErrRouteNotFound)
			return
		}

		rc.MatchedRoute = match.Route.ID()
		rc.Annotate(routeAnnotationKey, match.Route)
		rc.Annotate("path_params", match.PathParams)
		if rt := match.Route.Config.AuditResourceType; rt != "" {
			rc.Annotate(auditlog.ResourceTypeKey, rt)
		}
		if sel := match.Route.Config.AuditResourceIDPath; sel != "" {
			if id, ok := match.PathParams[sel]; ok {
				rc.Annotate(auditlog.ResourceIDKey, id)
			}
		}

		next.ServeHTTP(w, r)
	})
}

// withAuthentication authenticates: JWT first, then API key, skipping entirely
// when the matched route opts out or neither scheme is configured.
func (p *Pipeline) withAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.FromRequest(r)
		route := matchedRoute(rc)

		jwtEnabled := p.jwtAuth.IsEnabled()
		apiKeyEnabled := p.apiKeyAuth.IsEnabled()

		if route.Config.AuthBypass || p.jwtAuth.Bypassed(r.URL.Path) || (!jwtEnabled && !apiKeyEnabled) {
			next.ServeHTTP(w, r)
			return
		}

		var lastErr error
		if jwtEnabled {
			if principal, err := p.jwtAuth.Authenticate(r); err == nil {
				rc.Principal = principal
				next.ServeHTTP(w, r)
				return
			} else {
				lastErr = err
			}
		}
		if apiKeyEnabled {
			if principal, err := p.apiKeyAuth.Authenticate(r); err == nil {
				rc.Principal = principal
				next.ServeHTTP(w, r)
				return
			} else {
				lastErr = err
			}
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
		if ge, ok := errors.IsGatewayError(lastErr); ok {
			p.writeErr(w, rc, ge)
			return
		}
		p.writeErr(w, rc, errors.ErrAuthenticationFailed)
	})
}

// withAuthorization evaluates the matched route's rules for the resolved
// tenant and principal.
func (p *Pipeline) withAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.FromRequest(r)
		route := matchedRoute(rc)

		pathParams, _ := rc.Annotation("path_params")
		params, _ := pathParams.(map[string]string)

		tenantStatus := ""
		if info := tenant.FromContext(r.Context()); info != nil {
			tenantStatus = info.Entry.Status
		}

		in := authz.Input{
			Method:       r.Method,
			Path:         r.URL.Path,
			PathParams:   params,
			Header:       r.Header,
			Query:        r.URL.Query(),
			TenantStatus: tenantStatus,
		}
		if err := p.authzEval.Evaluate(&route.Config, rc.Principal, in); err != nil {
			if ge, ok := errors.IsGatewayError(err); ok {
				p.writeErr(w, rc, ge)
				return
			}
			p.writeErr(w, rc, errors.ErrAuthorizationFailed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies the limiter. Every response carries the binding dimension's
// X-RateLimit headers; a throttled request gets 429 with Retry-After and a
// body naming the dimension that tripped.
func (p *Pipeline) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.FromRequest(r)
		verdict := p.limiter.Allow(rc)
		ratelimit.SetHeaders(w.Header(), verdict)
		if !verdict.Allowed {
			p.metrics.RecordRateLimitReject(rc.MatchedRoute)
			ge := errors.New(errors.KindRateLimited, "rate limit exceeded on "+verdict.Dimension+" dimension")
			p.writeErr(w, rc, ge)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveMatched is the pipeline's terminal stage: breaker gate, discovery
// and load balancing, then the proxy call, with request metrics
// recorded around the whole attempt.
func (p *Pipeline) serveMatched(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromRequest(r)
	route := matchedRoute(rc)

	p.metrics.RecordActiveRequest(route.ID(), 1)
	defer p.metrics.RecordActiveRequest(route.ID(), -1)
	start := time.Now()

	status := p.forward(w, r, rc, route)

	p.metrics.RecordRequest(route.ID(), r.Method, status, time.Since(start))
}

func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, route *router.Route) int {
	breaker := p.breakers.Get(route.Config.TargetServiceName, route.Config.CircuitBreaker)
	p.metrics.SetCircuitBreakerState(route.ID(), breakerStateOrdinal(breaker))

	if !breaker.CanProceed() {
		w.Header().Set("X-Circuit-Breaker", "open")
		ge := errors.ErrCircuitBreakerOpen.WithRequestID(rc.RequestID)
		ge.WriteJSON(w)
		return ge.Code
	}

	backend, ok := p.discovery.Pick(route, r)
	if !ok {
		breaker.RecordNeutral()
		ge := errors.ErrNoInstanceAvailable.WithRequestID(rc.RequestID)
		ge.WriteJSON(w)
		return ge.Code
	}
	backend.IncrActive()
	defer backend.DecrActive()

	// Retry attempts re-pick from the healthy pool, preferring an instance
	// other than the one that just failed.
	pick := func(excludeID string) *loadbalancer.Backend {
		next, ok := p.discovery.Pick(route, r)
		if !ok {
			return nil
		}
		if next.ID == excludeID {
			if again, ok := p.discovery.Pick(route, r); ok && again.ID != excludeID {
				return again
			}
		}
		return next
	}

	status, gwErr := p.proxy.Forward(r.Context(), w, r, route, backend, rc.Principal, pick)
	if gwErr != nil {
		recordBreakerOutcome(breaker, gwErr.Kind)
		gwErr = gwErr.WithRequestID(rc.RequestID)
		gwErr.WriteJSON(w)
		return gwErr.Code
	}

	switch {
	case status >= 500:
		breaker.RecordFailure()
	case status >= 400:
		breaker.RecordNeutral()
	default:
		breaker.RecordSuccess()
	}
	return status
}

func recordBreakerOutcome(breaker *circuitbreaker.Breaker, kind errors.Kind) {
	if kind == errors.KindClientCanceled {
		breaker.RecordNeutral()
		return
	}
	breaker.RecordFailure()
}

// breakerStateOrdinal mirrors the breaker's own string state back into the
// 0/1/2 ordinal the metrics gauge publishes.
func breakerStateOrdinal(b *circuitbreaker.Breaker) int {
	switch b.Snapshot().State {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

func (p *Pipeline) writeErr(w http.ResponseWriter, rc *reqctx.Context, ge *errors.GatewayError) {
	if rc != nil {
		ge = ge.WithRequestID(rc.RequestID)
	}
	ge.WriteJSON(w)
}

func matchedRoute(rc *reqctx.Context) *router.Route {
	v, _ := rc.Annotation(routeAnnotationKey)
	route, _ := v.(*router.Route)
	return route
}
