package auditlog

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/reqctx"
)

func newObservedSink(cfg config.AuditLogConfig) (*Sink, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return New(cfg, zap.New(core)), logs
}

func TestSinkDisabledIsNoOp(t *testing.T) {
	sink, logs := newObservedSink(config.AuditLogConfig{Enabled: false})

	handler := sink.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if logs.Len() != 0 {
		t.Fatalf("expected no audit entries when disabled, got %d", logs.Len())
	}
}

func TestSinkRecordsRequest(t *testing.T) {
	sink, logs := newObservedSink(config.AuditLogConfig{Enabled: true})

	handler := sink.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hi"))
	}))

	rc := reqctx.New()
	rc.RequestID = "req-1"
	rc.MatchedRoute = "route-a"
	req := reqctx.WithContext(httptest.NewRequest("GET", "/widgets", nil), rc)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if logs.Len() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	ctx := entry.ContextMap()
	if ctx["status"] != int64(http.StatusTeapot) {
		t.Errorf("expected status=418, got %v", ctx["status"])
	}
	if ctx["request_id"] != "req-1" {
		t.Errorf("expected request_id=req-1, got %v", ctx["request_id"])
	}
	if ctx["matched_route"] != "route-a" {
		t.Errorf("expected matched_route=route-a, got %v", ctx["matched_route"])
	}
	if ctx["response_bytes"] != int64(2) {
		t.Errorf("expected response_bytes=2, got %v", ctx["response_bytes"])
	}
}

func TestSinkRecordsActionAndResource(t *testing.T) {
	sink, logs := newObservedSink(config.AuditLogConfig{Enabled: true})

	handler := sink.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rc := reqctx.New()
	rc.Annotate(ResourceTypeKey, "item")
	rc.Annotate(ResourceIDKey, "42")
	req := reqctx.WithContext(httptest.NewRequest("DELETE", "/items/42", nil), rc)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := logs.All()[0].ContextMap()
	if entry["action"] != "delete" {
		t.Errorf("expected action=delete, got %v", entry["action"])
	}
	if entry["resource_type"] != "item" {
		t.Errorf("expected resource_type=item, got %v", entry["resource_type"])
	}
	if entry["resource_id"] != "42" {
		t.Errorf("expected resource_id=42, got %v", entry["resource_id"])
	}
}

func TestSinkMasksConfiguredFields(t *testing.T) {
	sink, logs := newObservedSink(config.AuditLogConfig{
		Enabled:      true,
		MaskedFields: []string{"client_address", "subject_id"},
	})

	handler := sink.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rc := reqctx.New()
	rc.ClientAddress = "10.0.0.1"
	rc.Principal = &reqctx.Principal{SubjectID: "user-42"}
	req := reqctx.WithContext(httptest.NewRequest("GET", "/", nil), rc)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := logs.All()[0].ContextMap()
	if entry["client_address"] != "***" {
		t.Errorf("expected client_address masked, got %v", entry["client_address"])
	}
	if entry["subject_id"] != "***" {
		t.Errorf("expected subject_id masked, got %v", entry["subject_id"])
	}
}

func TestSinkWithoutReqCtx(t *testing.T) {
	sink, logs := newObservedSink(config.AuditLogConfig{Enabled: true})

	handler := sink.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if logs.Len() != 1 {
		t.Fatalf("expected 1 audit entry even without reqctx, got %d", logs.Len())
	}
}
