package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// TransportConfig configures the HTTP transport used to reach one upstream.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string

	DisableKeepAlives bool
	ForceHTTP2        bool

	Resolver *net.Resolver // nil = default OS resolver
}

// DefaultTransportConfig provides default transport settings.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          512,
	MaxIdleConnsPerHost:   64,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // no timeout; the retry policy's per-try timeout governs instead
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            false,
}

func buildTLSConfig(cfg TransportConfig) *tls.Config {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	if cfg.CAFile != "" {
		if caCert, err := os.ReadFile(cfg.CAFile); err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(caCert)
			tlsConfig.RootCAs = pool
		}
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile); err == nil {
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig
}

// NewTransport creates an *http.Transport from the given configuration.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  cfg.Resolver,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       buildTLSConfig(cfg),
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}

// DefaultTransport creates a transport with default settings.
func DefaultTransport() *http.Transport {
	return NewTransport(DefaultTransportConfig)
}

// TransportWithTimeout creates a transport with a specific response-header timeout.
func TransportWithTimeout(timeout time.Duration) *http.Transport {
	cfg := DefaultTransportConfig
	cfg.ResponseHeaderTimeout = timeout
	return NewTransport(cfg)
}

// NewH2CTransport creates an HTTP/2-over-cleartext transport for gRPC
// upstreams. gRPC requires HTTP/2; internal service meshes rarely speak TLS
// between the gateway and the backend, so the transport dials plain TCP and
// negotiates h2c directly.
func NewH2CTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// TransportPool manages a pool of transports keyed by upstream name, so each
// logical upstream can carry its own connection limits and mTLS material.
type TransportPool struct {
	defaultTransport *http.Transport
	h2cTransport     *http2.Transport
	transports       map[string]*http.Transport
}

// NewTransportPool creates a pool backed by the default transport config.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		defaultTransport: DefaultTransport(),
		h2cTransport:     NewH2CTransport(),
		transports:       make(map[string]*http.Transport),
	}
}

// NewTransportPoolWithDefault creates a pool with a custom default config.
func NewTransportPoolWithDefault(cfg TransportConfig) *TransportPool {
	return &TransportPool{
		defaultTransport: NewTransport(cfg),
		h2cTransport:     NewH2CTransport(),
		transports:       make(map[string]*http.Transport),
	}
}

// Get returns the transport for the named upstream, or the default transport
// for an empty or unknown name.
func (tp *TransportPool) Get(name string) http.RoundTripper {
	if name != "" {
		if t, ok := tp.transports[name]; ok {
			return t
		}
	}
	return tp.defaultTransport
}

// GetH2C returns the shared h2c transport used for gRPC upstreams. The name
// parameter is accepted for symmetry with Get; per-upstream h2c transports
// are not currently differentiated.
func (tp *TransportPool) GetH2C(name string) http.RoundTripper {
	return tp.h2cTransport
}

// Set installs a named transport built from cfg.
func (tp *TransportPool) Set(name string, cfg TransportConfig) {
	tp.transports[name] = NewTransport(cfg)
}

// Names returns the upstream names that have a dedicated transport.
func (tp *TransportPool) Names() []string {
	names := make([]string, 0, len(tp.transports))
	for name := range tp.transports {
		names = append(names, name)
	}
	return names
}

// DefaultConfig renders the default transport's live settings for admin display.
func (tp *TransportPool) DefaultConfig() map[string]interface{} {
	dt := tp.defaultTransport
	return map[string]interface{}{
		"max_idle_conns":          dt.MaxIdleConns,
		"max_idle_conns_per_host": dt.MaxIdleConnsPerHost,
		"max_conns_per_host":      dt.MaxConnsPerHost,
		"idle_conn_timeout":       dt.IdleConnTimeout.String(),
		"tls_handshake_timeout":   dt.TLSHandshakeTimeout.String(),
		"response_header_timeout": dt.ResponseHeaderTimeout.String(),
		"expect_continue_timeout": dt.ExpectContinueTimeout.String(),
		"disable_keep_alives":     dt.DisableKeepAlives,
		"force_attempt_http2":     dt.ForceAttemptHTTP2,
	}
}

// CloseIdleConnections closes idle connections on every transport in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	tp.defaultTransport.CloseIdleConnections()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
