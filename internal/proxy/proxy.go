// Package proxy is the upstream stage. It resolves a
// route's compiled path rewrite, builds the outbound request, applies retry
// and timeout policy, and projects the upstream response back to the
// client — including response field masking for unauthorized roles.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/errors"
	"github.com/arcgate/gateway/internal/loadbalancer"
	grpcproxy "github.com/arcgate/gateway/internal/proxy/grpc"
	"github.com/arcgate/gateway/internal/reqctx"
	"github.com/arcgate/gateway/internal/retry"
	"github.com/arcgate/gateway/internal/router"
	"github.com/arcgate/gateway/internal/tracing"
)

// PickFunc returns another healthy instance for a retry attempt, excluding
// (where possible) the instance id the previous attempt used. A nil return
// keeps the current instance.
type PickFunc func(excludeID string) *loadbalancer.Backend

// Proxy holds the resources shared across every route's upstream call:
// pooled transports, the gRPC passthrough handler, and the default
// timeout/retry policy.
type Proxy struct {
	transportPool  *TransportPool
	grpc           *grpcproxy.Handler
	defaultTimeout time.Duration
	stallTimeout   time.Duration
	retryCfg       config.RetryConfig
	security       config.SecurityConfig
}

// New creates a Proxy from the gateway's top-level timeout, retry,
// header-propagation, upstream-transport and gRPC configuration.
func New(timeouts config.TimeoutsConfig, retryCfg config.RetryConfig, security config.SecurityConfig, upstream config.UpstreamConfig, grpcCfg config.GRPCConfig) *Proxy {
	timeout := timeouts.Default
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	tc := DefaultTransportConfig
	if upstream.MaxIdleConns > 0 {
		tc.MaxIdleConns = upstream.MaxIdleConns
	}
	if upstream.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = upstream.MaxIdleConnsPerHost
	}
	tc.Resolver = NewResolver(upstream.Nameservers, upstream.DNSTimeout)

	return &Proxy{
		transportPool:  NewTransportPoolWithDefault(tc),
		grpc:           grpcproxy.New(grpcCfg),
		defaultTimeout: timeout,
		stallTimeout:   upstream.IdleBodyTimeout,
		retryCfg:       retryCfg,
		security:       security,
	}
}

// EffectiveTimeout returns the route's timeout override, or the gateway
// default when the route doesn't set one.
func (p *Proxy) EffectiveTimeout(route *router.Route) time.Duration {
	if route.Config.Timeout > 0 {
		return route.Config.Timeout
	}
	return p.defaultTimeout
}

// Forward sends one request to backend.URL on behalf of route, applying
// retry according to the route's own retryable-method/status semantics, and
// writes the (possibly masked) response to w. It returns the upstream status
// code on success, or a *errors.GatewayError describing the failure. The
// effective timeout caps the whole exchange, retries included. pick, when
// non-nil, lets each retry attempt re-target a different healthy instance.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, route *router.Route, backend *loadbalancer.Backend, principal *reqctx.Principal, pick PickFunc) (int, *errors.GatewayError) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.EffectiveTimeout(route))
	defer cancel()

	targetURL, err := p.buildTargetURL(backend.URL, route, r)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindUpstreamError, "invalid backend URL")
	}

	isGRPC := route.Config.TargetProtocol == "grpc" && p.grpc.IsEnabled()

	var transport http.RoundTripper
	if isGRPC {
		transport = p.transportPool.GetH2C(route.Config.TargetServiceName)
	} else {
		transport = p.transportPool.Get(route.Config.TargetServiceName)
	}

	proxyReq := p.buildRequest(ctx, r, targetURL, route)
	if isGRPC {
		var grpcCancel context.CancelFunc
		proxyReq, grpcCancel = p.grpc.PrepareRequest(proxyReq)
		defer grpcCancel()
	}

	policy := retry.NewPolicyFromRouteTimeout(p.retryCfg, p.EffectiveTimeout(route))
	current := backend
	if pick != nil {
		policy.OnRetry = func(req *http.Request, attempt int) {
			next := pick(current.ID)
			if next == nil || next.URL == current.URL {
				return
			}
			if u, err := url.Parse(next.URL); err == nil {
				req.URL.Scheme = u.Scheme
				req.URL.Host = u.Host
				req.Host = u.Host
				current = next
			}
		}
	}

	resp, rtErr := policy.Execute(ctx, transport, proxyReq)
	if rtErr != nil {
		if r.Context().Err() == context.Canceled {
			return 0, errors.Wrap(rtErr, errors.KindClientCanceled, "client disconnected")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return 0, errors.Wrap(rtErr, errors.KindRequestTimeout, "upstream request timed out")
		}
		return 0, errors.Wrap(rtErr, errors.KindUpstreamError, "upstream request failed")
	}
	defer resp.Body.Close()

	if p.stallTimeout > 0 {
		resp.Body = newStallGuardReader(resp.Body, p.stallTimeout)
	}

	if isGRPC {
		return p.writeGRPCResponse(w, resp, current, start), nil
	}

	p.writeResponse(w, resp, route, principal, current, start)
	return resp.StatusCode, nil
}

// buildTargetURL joins the backend base URL with the route's rewritten path.
func (p *Proxy) buildTargetURL(backendURL string, route *router.Route, r *http.Request) (*url.URL, error) {
	base, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}
	target := *base

	if route.Config.PathRewrite != "" {
		params := httprouterParams(r)
		target.Path = singleJoiningSlash(base.Path, route.RewritePath(params))
	} else {
		target.Path = singleJoiningSlash(base.Path, r.URL.Path)
	}
	target.RawQuery = r.URL.RawQuery
	return &target, nil
}

// httprouterParams extracts path parameters carried in the request context
// by the router stage (set via reqctx.Context.Annotate("path_params", ...)).
func httprouterParams(r *http.Request) map[string]string {
	rc := reqctx.FromRequest(r)
	if rc == nil {
		return nil
	}
	if v, ok := rc.Annotation("path_params"); ok {
		if m, ok := v.(map[string]string); ok {
			return m
		}
	}
	return nil
}

func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, target *url.URL, route *router.Route) *http.Request {
	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		GetBody:       r.GetBody,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+8)
	for k, vv := range r.Header {
		proxyReq.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(proxyReq.Header)

	ffHeader := p.security.ForwardedForHeader
	if ffHeader == "" {
		ffHeader = "X-Forwarded-For"
	}
	if ip := clientIP(r); ip != "" {
		if prior := proxyReq.Header.Get(ffHeader); prior != "" {
			proxyReq.Header.Set(ffHeader, prior+", "+ip)
		} else {
			proxyReq.Header.Set(ffHeader, ip)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	p.injectIdentityHeaders(proxyReq, r)
	tracing.InjectHeaders(r, proxyReq)

	return proxyReq
}

// injectIdentityHeaders forwards the request, trace and span identifiers to
// the backend unconditionally, and the principal's identity when
// security.propagate_principal is set. Header names are configurable with
// the documented defaults.
func (p *Proxy) injectIdentityHeaders(proxyReq, r *http.Request) {
	rc := reqctx.FromRequest(r)
	if rc == nil {
		return
	}

	setHeader(proxyReq, p.security.RequestIDHeader, "X-Request-Id", rc.RequestID)
	setHeader(proxyReq, p.security.TraceIDHeader, "X-Trace-Id", rc.TraceID)
	setHeader(proxyReq, p.security.SpanIDHeader, "X-Span-Id", rc.SpanID)

	if !p.security.PropagatePrincipal || rc.Principal == nil {
		return
	}
	setHeader(proxyReq, p.security.UserIDHeader, "X-User-Id", rc.Principal.SubjectID)
	setHeader(proxyReq, p.security.TenantIDHeader, "X-Tenant-Id", rc.Principal.TenantID)
	if len(rc.Principal.Roles) > 0 {
		setHeader(proxyReq, p.security.RolesHeader, "X-Roles", strings.Join(rc.Principal.Roles, ","))
	}
}

func setHeader(req *http.Request, name, fallback, value string) {
	if value == "" {
		return
	}
	if name == "" {
		name = fallback
	}
	req.Header.Set(name, value)
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

// writeResponse copies the upstream response to w, applying response_mask
// rules for any field the caller's role set does not clear.
func (p *Proxy) writeResponse(w http.ResponseWriter, resp *http.Response, route *router.Route, principal *reqctx.Principal, backend *loadbalancer.Backend, start time.Time) {
	copyHeaders(w.Header(), resp.Header)
	setGatewayHeaders(w.Header(), backend, start)

	if len(route.Config.ResponseMask) == 0 || !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.WriteHeader(resp.StatusCode)
		return
	}
	masked := applyMasks(body, route.Config.ResponseMask, principal)
	w.Header().Set("Content-Length", strconv.Itoa(len(masked)))
	w.WriteHeader(resp.StatusCode)
	w.Write(masked)
}

// writeGRPCResponse streams the framed gRPC body through untouched, relays
// trailers, and returns the HTTP projection of the Grpc-Status for breaker
// accounting. Response masking does not apply to gRPC payloads.
func (p *Proxy) writeGRPCResponse(w http.ResponseWriter, resp *http.Response, backend *loadbalancer.Backend, start time.Time) int {
	copyHeaders(w.Header(), resp.Header)
	setGatewayHeaders(w.Header(), backend, start)
	p.grpc.ProcessResponse(w)

	out := p.grpc.WrapResponseWriter(w)
	out.WriteHeader(resp.StatusCode)
	io.Copy(out, resp.Body)

	// Trailers are only populated once the body has been fully read.
	for key, values := range resp.Trailer {
		for _, value := range values {
			w.Header().Add(http.TrailerPrefix+key, value)
		}
	}
	return grpcproxy.MapStatusCode(resp)
}

// setGatewayHeaders stamps the gateway's own response annotations.
func setGatewayHeaders(h http.Header, backend *loadbalancer.Backend, start time.Time) {
	h.Set("X-Gateway-Duration-Ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	if backend != nil {
		instance := backend.ID
		if instance == "" {
			instance = backend.URL
		}
		h.Set("X-Gateway-Instance", instance)
	}
}

// applyMasks replaces every masked field's value for principals lacking an
// exempt role. A rule with an empty ForRoles list applies to everyone.
func applyMasks(body []byte, rules []config.MaskRuleConfig, principal *reqctx.Principal) []byte {
	out := body
	for _, rule := range rules {
		if ruleExempt(rule, principal) {
			continue
		}
		replacement := rule.Replacement
		if replacement == "" {
			replacement = "***"
		}
		if updated, err := sjson.SetBytes(out, rule.Path, replacement); err == nil {
			out = updated
		}
	}
	return out
}

func ruleExempt(rule config.MaskRuleConfig, principal *reqctx.Principal) bool {
	if len(rule.ForRoles) == 0 || principal == nil {
		return false
	}
	for _, role := range rule.ForRoles {
		if principal.HasRole(role) {
			return true
		}
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
