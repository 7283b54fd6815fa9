package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/errors"
	"github.com/arcgate/gateway/internal/loadbalancer"
	"github.com/arcgate/gateway/internal/reqctx"
	"github.com/arcgate/gateway/internal/router"
)

func newTestProxy() *Proxy {
	return New(
		config.TimeoutsConfig{Default: 2 * time.Second},
		config.RetryConfig{MaxRetries: 0},
		config.SecurityConfig{ForwardedForHeader: "X-Forwarded-For"},
		config.UpstreamConfig{},
		config.GRPCConfig{},
	)
}

func TestForward(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
			"host":   r.Host,
		})
	}))
	defer backend.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{ID: "test", TargetServiceName: "svc"}}
	b := &loadbalancer.Backend{URL: backend.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/api/users", nil)
	rr := httptest.NewRecorder()

	status, gwErr := p.Forward(req.Context(), rr, req, route, b, nil, nil)
	if gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}
	if status != http.StatusOK {
		t.Errorf("expected 200, got %d", status)
	}

	var response map[string]interface{}
	json.NewDecoder(rr.Body).Decode(&response)
	if response["method"] != "GET" {
		t.Errorf("expected method GET, got %v", response["method"])
	}
}

func TestForwardedHeaders(t *testing.T) {
	var receivedHeaders http.Header

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{ID: "test", TargetServiceName: "svc"}}
	b := &loadbalancer.Backend{URL: backend.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Host = "api.example.com"
	rr := httptest.NewRecorder()

	if _, gwErr := p.Forward(req.Context(), rr, req, route, b, nil, nil); gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}

	if receivedHeaders.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For header should be set")
	}
	if receivedHeaders.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto should be http, got %s", receivedHeaders.Get("X-Forwarded-Proto"))
	}
	if receivedHeaders.Get("X-Forwarded-Host") != "api.example.com" {
		t.Errorf("X-Forwarded-Host should be api.example.com, got %s", receivedHeaders.Get("X-Forwarded-Host"))
	}
}

func TestForwardPathRewrite(t *testing.T) {
	var receivedPath string

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{
		ID:                "test",
		TargetServiceName: "svc",
		PathRewrite:       "/users/{id}",
	}}
	b := &loadbalancer.Backend{URL: backend.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/api/v1/users/123", nil)
	rc := reqctx.New()
	rc.Annotate("path_params", map[string]string{"id": "123"})
	req = reqctx.WithContext(req, rc)
	rr := httptest.NewRecorder()

	if _, gwErr := p.Forward(req.Context(), rr, req, route, b, nil, nil); gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}
	if receivedPath != "/users/123" {
		t.Errorf("expected path /users/123, got %s", receivedPath)
	}
}

func TestForwardResponseMask(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","ssn":"123-45-6789"}`))
	}))
	defer backend.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{
		ID:                "test",
		TargetServiceName: "svc",
		ResponseMask: []config.MaskRuleConfig{
			{Path: "ssn", ForRoles: []string{"admin"}},
		},
	}}
	b := &loadbalancer.Backend{URL: backend.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	principal := &reqctx.Principal{SubjectID: "u1", Roles: []string{"viewer"}}
	if _, gwErr := p.Forward(req.Context(), rr, req, route, b, principal, nil); gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}

	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["ssn"] != "***" {
		t.Errorf("expected masked ssn, got %q", body["ssn"])
	}
}

func TestForwardResponseMaskExemptRole(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","ssn":"123-45-6789"}`))
	}))
	defer backend.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{
		ID:                "test",
		TargetServiceName: "svc",
		ResponseMask: []config.MaskRuleConfig{
			{Path: "ssn", ForRoles: []string{"admin"}},
		},
	}}
	b := &loadbalancer.Backend{URL: backend.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	principal := &reqctx.Principal{SubjectID: "u1", Roles: []string{"admin"}}
	if _, gwErr := p.Forward(req.Context(), rr, req, route, b, principal, nil); gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}

	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["ssn"] != "123-45-6789" {
		t.Errorf("expected unmasked ssn for exempt role, got %q", body["ssn"])
	}
}

func TestForwardGatewayHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{ID: "test", TargetServiceName: "svc"}}
	b := &loadbalancer.Backend{ID: "inst-1", URL: backend.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	if _, gwErr := p.Forward(req.Context(), rr, req, route, b, nil, nil); gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}
	if rr.Header().Get("X-Gateway-Instance") != "inst-1" {
		t.Errorf("expected X-Gateway-Instance inst-1, got %q", rr.Header().Get("X-Gateway-Instance"))
	}
	if rr.Header().Get("X-Gateway-Duration-Ms") == "" {
		t.Error("expected X-Gateway-Duration-Ms to be set")
	}
}

func TestForwardIdentityHeaders(t *testing.T) {
	var received http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{ID: "test", TargetServiceName: "svc"}}
	b := &loadbalancer.Backend{URL: backend.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/test", nil)
	rc := reqctx.New()
	rc.RequestID = "req-1"
	rc.TraceID = "trace-1"
	rc.SpanID = "span-1"
	req = reqctx.WithContext(req, rc)
	rr := httptest.NewRecorder()

	if _, gwErr := p.Forward(req.Context(), rr, req, route, b, nil, nil); gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}
	if received.Get("X-Request-Id") != "req-1" {
		t.Errorf("expected X-Request-Id req-1, got %q", received.Get("X-Request-Id"))
	}
	if received.Get("X-Trace-Id") != "trace-1" {
		t.Errorf("expected X-Trace-Id trace-1, got %q", received.Get("X-Trace-Id"))
	}
	if received.Get("X-Span-Id") != "span-1" {
		t.Errorf("expected X-Span-Id span-1, got %q", received.Get("X-Span-Id"))
	}
}

func TestForwardRetryRotatesInstance(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	p := New(
		config.TimeoutsConfig{Default: 2 * time.Second},
		config.RetryConfig{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		config.SecurityConfig{},
		config.UpstreamConfig{},
		config.GRPCConfig{},
	)
	route := &router.Route{Config: config.RouteConfig{ID: "test", TargetServiceName: "svc"}}
	first := &loadbalancer.Backend{ID: "a", URL: failing.URL, Weight: 1, Healthy: true}
	second := &loadbalancer.Backend{ID: "b", URL: healthy.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	pick := func(excludeID string) *loadbalancer.Backend {
		if excludeID == "a" {
			return second
		}
		return first
	}

	status, gwErr := p.Forward(req.Context(), rr, req, route, first, nil, pick)
	if gwErr != nil {
		t.Fatalf("unexpected error: %v", gwErr)
	}
	if status != http.StatusOK {
		t.Errorf("expected 200 after rotating to the healthy instance, got %d", status)
	}
	if rr.Header().Get("X-Gateway-Instance") != "b" {
		t.Errorf("expected serving instance b, got %q", rr.Header().Get("X-Gateway-Instance"))
	}
}

func TestForwardTimeoutReturns504Kind(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	p := newTestProxy()
	route := &router.Route{Config: config.RouteConfig{
		ID:                "test",
		TargetServiceName: "svc",
		Timeout:           50 * time.Millisecond,
	}}
	b := &loadbalancer.Backend{URL: slow.URL, Weight: 1, Healthy: true}

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	_, gwErr := p.Forward(req.Context(), rr, req, route, b, nil, nil)
	if gwErr == nil {
		t.Fatal("expected a timeout error")
	}
	if gwErr.Kind != errors.KindRequestTimeout {
		t.Errorf("expected kind request_timeout, got %s", gwErr.Kind)
	}
}

func TestEffectiveTimeout(t *testing.T) {
	p := newTestProxy()

	withOverride := &router.Route{Config: config.RouteConfig{Timeout: 5 * time.Second}}
	if got := p.EffectiveTimeout(withOverride); got != 5*time.Second {
		t.Errorf("expected route override 5s, got %v", got)
	}

	withoutOverride := &router.Route{Config: config.RouteConfig{}}
	if got := p.EffectiveTimeout(withoutOverride); got != 2*time.Second {
		t.Errorf("expected gateway default 2s, got %v", got)
	}
}
