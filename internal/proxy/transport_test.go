package proxy

import (
	"net/http"
	"testing"
	"time"
)

func TestNewTransportDefault(t *testing.T) {
	tr := NewTransport(DefaultTransportConfig)
	if tr == nil {
		t.Fatal("expected non-nil transport")
	}
	if tr.MaxIdleConns != 512 {
		t.Errorf("expected MaxIdleConns 512, got %d", tr.MaxIdleConns)
	}
}

func TestDefaultTransport(t *testing.T) {
	if DefaultTransport() == nil {
		t.Fatal("expected non-nil transport")
	}
}

func TestTransportWithTimeout(t *testing.T) {
	tr := TransportWithTimeout(5 * time.Second)
	if tr.ResponseHeaderTimeout != 5*time.Second {
		t.Errorf("expected ResponseHeaderTimeout 5s, got %v", tr.ResponseHeaderTimeout)
	}
}

func TestTransportPool(t *testing.T) {
	pool := NewTransportPool()

	tr := pool.Get("unknown.host")
	if tr != http.RoundTripper(pool.defaultTransport) {
		t.Error("expected default transport for unknown host")
	}

	cfg := DefaultTransportConfig
	cfg.MaxIdleConns = 42
	pool.Set("custom.host", cfg)

	tr = pool.Get("custom.host")
	httpTr, ok := tr.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if httpTr.MaxIdleConns != 42 {
		t.Errorf("expected MaxIdleConns 42, got %d", httpTr.MaxIdleConns)
	}

	pool.CloseIdleConnections()
}

func TestNewTransportPoolWithDefault(t *testing.T) {
	cfg := DefaultTransportConfig
	cfg.MaxIdleConns = 200
	pool := NewTransportPoolWithDefault(cfg)

	tr := pool.Get("").(*http.Transport)
	if tr.MaxIdleConns != 200 {
		t.Errorf("expected MaxIdleConns 200, got %d", tr.MaxIdleConns)
	}
}

func TestTransportPoolNames(t *testing.T) {
	pool := NewTransportPool()
	pool.Set("a", DefaultTransportConfig)
	pool.Set("b", DefaultTransportConfig)

	names := pool.Names()
	if len(names) != 2 {
		t.Errorf("expected 2 names, got %d", len(names))
	}
}

func TestTransportPoolDefaultConfig(t *testing.T) {
	pool := NewTransportPool()
	dc := pool.DefaultConfig()
	if dc["max_idle_conns"] != 512 {
		t.Errorf("expected max_idle_conns=512, got %v", dc["max_idle_conns"])
	}
}

func TestNewTransportForceHTTP2(t *testing.T) {
	cfg := DefaultTransportConfig
	cfg.ForceHTTP2 = true
	if !NewTransport(cfg).ForceAttemptHTTP2 {
		t.Error("expected ForceAttemptHTTP2=true")
	}
}
