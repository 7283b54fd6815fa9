package middleware

import "net/http"

// Middleware decorates an http.Handler with one cross-cutting concern.
type Middleware func(http.Handler) http.Handler

// Chain is an immutable, ordered middleware list.
type Chain struct {
	middlewares []Middleware
}

// NewChain copies the given middlewares into a Chain.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: append([]Middleware(nil), middlewares...),
	}
}

// Then wraps h so the first middleware in the chain runs outermost.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}

	// Apply middlewares in reverse order so first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}

	return h
}

// ThenFunc is Then for a bare handler function.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new Chain with the extra middlewares at the end.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	newMiddlewares = append(newMiddlewares, middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

// Prepend returns a new Chain with the extra middlewares at the front.
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, middlewares...)
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

// Extend appends another chain's middlewares.
func (c *Chain) Extend(other *Chain) *Chain {
	return c.Append(other.middlewares...)
}

// Len reports how many middlewares the chain holds.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Builder accumulates middlewares imperatively before freezing them into a
// Chain, which suits conditional assembly from configuration.
type Builder struct {
	middlewares []Middleware
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		middlewares: make([]Middleware, 0),
	}
}

// NewBuilderWithCap creates a builder with pre-allocated capacity for the
// expected number of middlewares.
func NewBuilderWithCap(capacity int) *Builder {
	return &Builder{
		middlewares: make([]Middleware, 0, capacity),
	}
}

// Use appends one middleware.
func (b *Builder) Use(m Middleware) *Builder {
	b.middlewares = append(b.middlewares, m)
	return b
}

// UseIf appends the middleware only when condition holds.
func (b *Builder) UseIf(condition bool, m Middleware) *Builder {
	if condition {
		b.middlewares = append(b.middlewares, m)
	}
	return b
}

// Build freezes the accumulated middlewares into a Chain.
func (b *Builder) Build() *Chain {
	return NewChain(b.middlewares...)
}

// Handler wraps h with everything accumulated so far.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.Build().Then(h)
}

// HandlerFunc is Handler for a bare handler function.
func (b *Builder) HandlerFunc(fn http.HandlerFunc) http.Handler {
	return b.Build().ThenFunc(fn)
}

// WrapFunc adapts a func-styled wrapper into a Middleware.
func WrapFunc(fn func(w http.ResponseWriter, r *http.Request, next http.Handler)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fn(w, r, next)
		})
	}
}
