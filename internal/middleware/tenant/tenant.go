// Package tenant implements tenant resolution: extracting the caller's
// tenant identifier, rejecting a missing one when the gateway is configured
// to require one, rejecting unknown or non-active (e.g. suspended, expired)
// tenants whenever one is supplied, and exposing each tenant's declared
// quota so the rate limiter can apply a per-tenant override.
package tenant

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/errors"
	"github.com/arcgate/gateway/internal/reqctx"
)

type contextKey struct{}

// Info is the resolved tenant attached to the request context.
type Info struct {
	ID    string
	Entry config.TenantEntry
}

// FromContext retrieves the Info stored by the middleware, if any.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(contextKey{}).(*Info)
	return v
}

// WithContext stores Info in a context.
func WithContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// tenantState is the immutable tenant map snapshot, swapped atomically on
// AddTenant/UpdateTenant/RemoveTenant so the hot path never takes a lock.
type tenantState struct {
	tenants map[string]config.TenantEntry
}

// Manager resolves the caller's tenant from each request and enforces
// mandatoriness and status.
type Manager struct {
	cfg   config.TenantConfig
	state atomic.Pointer[tenantState]

	mu       chan struct{} // 1-buffered mutex for CUD serialization
	metrics  atomic.Pointer[map[string]*TenantMetrics]
	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewManager builds a Manager from the gateway's tenant config.
func NewManager(cfg config.TenantConfig) *Manager {
	tenants := make(map[string]config.TenantEntry, len(cfg.Tenants))
	for id, e := range cfg.Tenants {
		tenants[id] = e
	}
	m := &Manager{cfg: cfg, mu: make(chan struct{}, 1)}
	m.mu <- struct{}{}
	m.state.Store(&tenantState{tenants: tenants})

	metrics := make(map[string]*TenantMetrics, len(tenants))
	for id := range tenants {
		metrics[id] = &TenantMetrics{}
	}
	m.metrics.Store(&metrics)
	return m
}

func (m *Manager) lock()   { <-m.mu }
func (m *Manager) unlock() { m.mu <- struct{}{} }

// Middleware resolves the caller's tenant from the configured header (or the
// configured default), rejecting the request with invalid_tenant when a
// tenant is mandatory but missing, or when the resolved tenant is unknown or
// has a status other than active or trial (e.g. suspended, expired).
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.FromRequest(r)

			tenantID := ""
			if m.cfg.HeaderName != "" {
				tenantID = r.Header.Get(m.cfg.HeaderName)
			}
			if tenantID == "" {
				tenantID = m.cfg.Default
			}

			if tenantID == "" {
				if m.cfg.Mandatory {
					m.reject(w, rc, "tenant is required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			entry, found := m.state.Load().tenants[tenantID]
			if !found {
				m.reject(w, rc, fmt.Sprintf("unknown tenant %q", tenantID))
				return
			}
			switch entry.Status {
			case "", "active", "trial":
			default:
				m.reject(w, rc, fmt.Sprintf("tenant %q is %s", tenantID, entry.Status))
				return
			}

			m.allowed.Add(1)
			info := &Info{ID: tenantID, Entry: entry}

			if rc != nil {
				rc.Principal.TenantID = tenantID
			}
			ctx := WithContext(r.Context(), info)
			r = r.WithContext(ctx)
			w.Header().Set("X-Tenant-ID", tenantID)

			metrics := m.tenantMetrics(tenantID)
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			tw := &tenantResponseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(tw, r)
			metrics.Record(tw.status, time.Since(start), r.ContentLength, tw.bytes)
		})
	}
}

func (m *Manager) reject(w http.ResponseWriter, rc *reqctx.Context, reason string) {
	m.rejected.Add(1)
	gwErr := errors.New(errors.KindInvalidTenant, reason)
	if rc != nil {
		gwErr = gwErr.WithRequestID(rc.RequestID)
	}
	gwErr.WriteJSON(w)
}

func (m *Manager) tenantMetrics(id string) *TenantMetrics {
	metrics := *m.metrics.Load()
	return metrics[id]
}

// GetTenant returns the declared entry for a tenant.
func (m *Manager) GetTenant(id string) (config.TenantEntry, bool) {
	e, ok := m.state.Load().tenants[id]
	return e, ok
}

// ListTenants returns a snapshot of all declared tenants.
func (m *Manager) ListTenants() map[string]config.TenantEntry {
	return m.state.Load().tenants
}

// AddTenant registers a new tenant at runtime via the admin plane.
func (m *Manager) AddTenant(id string, entry config.TenantEntry) error {
	if id == "" {
		return fmt.Errorf("tenant id is required")
	}
	m.lock()
	defer m.unlock()

	current := m.state.Load().tenants
	if _, exists := current[id]; exists {
		return fmt.Errorf("tenant %q already exists", id)
	}
	next := make(map[string]config.TenantEntry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id] = entry
	m.state.Store(&tenantState{tenants: next})

	metrics := make(map[string]*TenantMetrics, len(next))
	for k, v := range *m.metrics.Load() {
		metrics[k] = v
	}
	metrics[id] = &TenantMetrics{}
	m.metrics.Store(&metrics)
	return nil
}

// UpdateTenant replaces an existing tenant's entry.
func (m *Manager) UpdateTenant(id string, entry config.TenantEntry) error {
	m.lock()
	defer m.unlock()

	current := m.state.Load().tenants
	if _, exists := current[id]; !exists {
		return fmt.Errorf("tenant %q not found", id)
	}
	next := make(map[string]config.TenantEntry, len(current))
	for k, v := range current {
		next[k] = v
	}
	next[id] = entry
	m.state.Store(&tenantState{tenants: next})
	return nil
}

// RemoveTenant deletes a tenant at runtime.
func (m *Manager) RemoveTenant(id string) error {
	m.lock()
	defer m.unlock()

	current := m.state.Load().tenants
	if _, exists := current[id]; !exists {
		return fmt.Errorf("tenant %q not found", id)
	}
	next := make(map[string]config.TenantEntry, len(current)-1)
	for k, v := range current {
		if k != id {
			next[k] = v
		}
	}
	m.state.Store(&tenantState{tenants: next})
	return nil
}

// Stats renders per-tenant usage for the admin API.
func (m *Manager) Stats() map[string]interface{} {
	tenants := m.state.Load().tenants
	out := make(map[string]interface{}, len(tenants))
	metrics := *m.metrics.Load()
	for id, entry := range tenants {
		stat := map[string]interface{}{
			"status":      entry.Status,
			"tenant_type": entry.TenantType,
		}
		if tm := metrics[id]; tm != nil {
			stat["usage"] = tm.Snapshot()
		}
		out[id] = stat
	}
	return map[string]interface{}{
		"mandatory":    m.cfg.Mandatory,
		"allowed":      m.allowed.Load(),
		"rejected":     m.rejected.Load(),
		"tenant_count": len(tenants),
		"tenants":      out,
	}
}
