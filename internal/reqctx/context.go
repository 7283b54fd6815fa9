// Package reqctx defines the per-request envelope threaded through every
// pipeline stage: identity, trace context, and stage-to-stage annotations,
// pooled to keep the hot path allocation-light.
package reqctx

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// AuthKind identifies how a Principal was established.
type AuthKind string

const (
	AuthJWT       AuthKind = "jwt"
	AuthAPIKey    AuthKind = "api-key"
	AuthAnonymous AuthKind = "anonymous"
)

// Principal is the authenticated caller, produced once by the authenticator
// and read-only afterward.
type Principal struct {
	SubjectID string
	TenantID  string
	Roles     []string
	Scopes    []string
	Claims    map[string]interface{}
	ExpiresAt *time.Time
	AuthKind  AuthKind
}

// HasRole reports whether the principal carries the exact role name.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope reports whether the principal carries the exact scope, or "*".
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

func anonymous() *Principal {
	return &Principal{SubjectID: "anonymous", AuthKind: AuthAnonymous}
}

// contextKey is an unexported type so external packages cannot collide keys.
type contextKey struct{}

// Context is the per-request envelope. Stages borrow it; the pipeline owns
// it and returns it to the pool at response completion.
type Context struct {
	RequestID     string
	TraceID       string
	ParentSpanID  string
	SpanID        string
	ClientAddress string

	Method  string
	Path    string
	Query   string
	Headers http.Header

	Principal    *Principal
	MatchedRoute string // route id, set by the matcher

	StartInstant time.Time

	mu          sync.Mutex
	annotations map[string]interface{}
}

var pool = sync.Pool{New: func() interface{} { return &Context{} }}

// New acquires a Context from the pool and resets it for a fresh request.
func New() *Context {
	c := pool.Get().(*Context)
	c.RequestID = ""
	c.TraceID = ""
	c.ParentSpanID = ""
	c.SpanID = ""
	c.ClientAddress = ""
	c.Method = ""
	c.Path = ""
	c.Query = ""
	c.Headers = nil
	c.Principal = anonymous()
	c.MatchedRoute = ""
	c.StartInstant = time.Time{}
	c.annotations = nil
	return c
}

// Release returns the Context to the pool. Callers must not use c afterward.
func (c *Context) Release() {
	pool.Put(c)
}

// Annotate records a stage-to-stage note (e.g. the breaker verdict, the
// picked instance id) for later stages or the audit sink to read.
func (c *Context) Annotate(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]interface{})
	}
	c.annotations[key] = value
}

// Annotation reads back a value stored with Annotate.
func (c *Context) Annotation(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.annotations[key]
	return v, ok
}

// WithContext attaches c to the request's context.Context.
func WithContext(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKey{}, c))
}

// FromRequest retrieves the Context previously attached by WithContext, or
// nil if none is present.
func FromRequest(r *http.Request) *Context {
	c, _ := r.Context().Value(contextKey{}).(*Context)
	return c
}
