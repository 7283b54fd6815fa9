package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/arcgate/gateway/internal/reqctx"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDConfig configures the request ID middleware.
type RequestIDConfig struct {
	Header      string
	Generator   func() string
	TrustHeader bool
}

// DefaultRequestIDConfig provides default request ID settings.
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      "X-Request-ID",
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestID creates a request ID middleware with default config.
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates a request ID middleware, populating the
// request's reqctx.Context.RequestID and the response header.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = "X-Request-ID"
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			if cfg.TrustHeader {
				requestID = r.Header.Get(cfg.Header)
			}
			if requestID == "" {
				requestID = cfg.Generator()
			}

			r.Header.Set(cfg.Header, requestID)
			w.Header().Set(cfg.Header, requestID)

			if rc := reqctx.FromRequest(r); rc != nil {
				rc.RequestID = requestID
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetRequestID extracts the request ID from the request's reqctx.Context.
func GetRequestID(r *http.Request) string {
	if rc := reqctx.FromRequest(r); rc != nil {
		return rc.RequestID
	}
	return ""
}
