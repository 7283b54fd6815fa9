// Package auditlog is the audit sink: a structured zap record of
// every request's identity, route, outcome, and timing, with configured
// fields masked before they ever reach the log.
package auditlog

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/logging"
	"github.com/arcgate/gateway/internal/reqctx"
)

// Annotation keys the route-match stage uses to hand resource identity to
// the audit record.
const (
	ResourceTypeKey = "audit_resource_type"
	ResourceIDKey   = "audit_resource_id"
)

// actionFromMethod derives the audit action verb from the HTTP method.
func actionFromMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// Sink writes one audit record per completed request.
type Sink struct {
	cfg    config.AuditLogConfig
	masked map[string]struct{}
	logger *zap.Logger
}

// New builds a Sink from the gateway's audit_log config.
func New(cfg config.AuditLogConfig, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = logging.Global()
	}
	masked := make(map[string]struct{}, len(cfg.MaskedFields))
	for _, f := range cfg.MaskedFields {
		masked[f] = struct{}{}
	}
	return &Sink{cfg: cfg, masked: masked, logger: logger}
}

type auditResponseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	wroteHdr bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.wroteHdr {
		w.wroteHdr = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHdr {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *auditResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records one audit entry per request once the handler chain
// completes, a no-op when auditing is disabled.
func (s *Sink) Middleware() func(http.Handler) http.Handler {
	if !s.cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aw := &auditResponseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(aw, r)
			s.record(r, aw, start)
		})
	}
}

func (s *Sink) record(r *http.Request, aw *auditResponseWriter, start time.Time) {
	rc := reqctx.FromRequest(r)

	fields := make([]zap.Field, 0, 16)
	fields = append(fields,
		zap.String("method", r.Method),
		zap.String("action", actionFromMethod(r.Method)),
		zap.String("path", s.maskValue("path", r.URL.Path)),
		zap.Int("status", aw.status),
		zap.Duration("duration", time.Since(start)),
		zap.Int64("response_bytes", aw.bytes),
	)

	if rc != nil {
		fields = append(fields,
			zap.String("request_id", rc.RequestID),
			zap.String("trace_id", rc.TraceID),
			zap.String("client_address", s.maskValue("client_address", rc.ClientAddress)),
			zap.String("matched_route", rc.MatchedRoute),
		)
		if v, ok := rc.Annotation(ResourceTypeKey); ok {
			if rt, ok := v.(string); ok {
				fields = append(fields, zap.String("resource_type", rt))
			}
		}
		if v, ok := rc.Annotation(ResourceIDKey); ok {
			if id, ok := v.(string); ok {
				fields = append(fields, zap.String("resource_id", s.maskValue("resource_id", id)))
			}
		}
		if rc.Principal != nil {
			fields = append(fields,
				zap.String("subject_id", s.maskValue("subject_id", rc.Principal.SubjectID)),
				zap.String("tenant_id", rc.Principal.TenantID),
			)
		}
	}

	if s.cfg.IncludeBodies {
		fields = append(fields, zap.String("query", s.maskValue("query", r.URL.RawQuery)))
	}

	s.logger.Info("request_audit", fields...)
}

func (s *Sink) maskValue(field, value string) string {
	if _, masked := s.masked[field]; masked && value != "" {
		return "***"
	}
	return value
}
