// Package admin is the gateway's control plane, served on a
// listener separate from the data plane so health and metrics scraping never
// competes with the rate-limit and breaker state guarding proxied traffic.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/pipeline"
)

// Plane bundles the read-only operational endpoints for one Pipeline.
type Plane struct {
	cfg *config.Config
	pl  *pipeline.Pipeline
}

// New builds the admin plane's handler set for pl.
func New(cfg *config.Config, pl *pipeline.Pipeline) *Plane {
	return &Plane{cfg: cfg, pl: pl}
}

// Handler builds the admin mux: liveness, readiness, metrics exposition, and
// read-only route/config introspection.
func (p *Plane) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", p.handleLive)
	mux.HandleFunc("/health/ready", p.handleReady)
	mux.Handle("/metrics", p.pl.Metrics().Handler())
	mux.HandleFunc("/admin/routes", p.handleRoutes)
	mux.HandleFunc("/admin/config", p.handleConfig)
	mux.HandleFunc("/admin/breakers", p.handleBreakers)
	mux.HandleFunc("/admin/jwks/refresh", p.handleJWKSRefresh)
	return mux
}

func (p *Plane) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (p *Plane) handleReady(w http.ResponseWriter, r *http.Request) {
	if !p.pl.Warm() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("warming up"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// routeView is the admin-facing projection of a compiled route: enough to
// audit what is live without exposing secrets baked into RouteConfig.
type routeView struct {
	ID                string   `json:"id"`
	PathPrefix        string   `json:"path_prefix"`
	Methods           []string `json:"methods"`
	TargetServiceName string   `json:"target_service_name"`
	LoadBalance       string   `json:"load_balance_strategy"`
	Disabled          bool     `json:"disabled"`
	AuthBypass        bool     `json:"auth_bypass"`
}

func (p *Plane) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := p.pl.Router().Routes()
	views := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		views = append(views, routeView{
			ID:                rt.ID(),
			PathPrefix:        rt.Config.PathPrefix,
			Methods:           rt.Config.Methods,
			TargetServiceName: rt.Config.TargetServiceName,
			LoadBalance:       rt.Config.LoadBalanceStrategy,
			Disabled:          rt.Config.Disabled,
			AuthBypass:        rt.Config.AuthBypass,
		})
	}
	writeJSON(w, views)
}

func (p *Plane) handleConfig(w http.ResponseWriter, r *http.Request) {
	redacted, err := config.RedactConfig(p.cfg)
	if err != nil {
		http.Error(w, "failed to redact configuration", http.StatusInternalServerError)
		return
	}
	writeJSON(w, redacted)
}

// handleBreakers lists every live circuit breaker's state and counters.
func (p *Plane) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, p.pl.Breakers().Snapshots())
}

// handleJWKSRefresh is the operator-triggered key-set refresh. POST only —
// it mutates the key snapshot.
func (p *Plane) handleJWKSRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := p.pl.RefreshKeys(r.Context()); err != nil {
		http.Error(w, "refresh failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("refreshed"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
