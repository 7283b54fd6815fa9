// Package router is the route matcher: a radix-tree path index (reused from
// julienschmidt/httprouter as a pure matching index) plus per-route
// secondary predicates. Routes sharing a path pattern are tried in
// (priority desc, id asc) order; across patterns the radix tree's most
// specific pattern wins, and priority is not compared between patterns.
package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/arcgate/gateway/config"
)

// Route is the compiled, immutable form of a config.RouteConfig.
type Route struct {
	Config  config.RouteConfig
	Methods map[string]bool // nil = all methods

	matcher   *CompiledMatcher
	configIdx int
}

// ID returns the route's configured id.
func (route *Route) ID() string { return route.Config.ID }

// RewritePath applies the route's path_rewrite template, substituting
// {param} placeholders with extracted path parameters.
func (route *Route) RewritePath(pathParams map[string]string) string {
	if route.Config.PathRewrite == "" {
		return ""
	}
	rewritten := route.Config.PathRewrite
	for k, v := range pathParams {
		rewritten = strings.ReplaceAll(rewritten, "{"+k+"}", v)
	}
	return rewritten
}

// Match is one successful route lookup.
type Match struct {
	Route      *Route
	PathParams map[string]string
}

// routeGroup holds candidate routes sharing a registered path pattern,
// ordered by (priority desc, id asc).
type routeGroup struct {
	routes []*Route
}

func (rg *routeGroup) add(route *Route) {
	rg.routes = append(rg.routes, route)
	sort.SliceStable(rg.routes, func(i, j int) bool {
		ri, rj := rg.routes[i], rg.routes[j]
		if ri.Config.Priority != rj.Config.Priority {
			return ri.Config.Priority > rj.Config.Priority
		}
		return ri.Config.ID < rj.Config.ID
	})
}

func (rg *routeGroup) remove(id string) bool {
	for i, route := range rg.routes {
		if route.Config.ID == id {
			rg.routes = append(rg.routes[:i], rg.routes[i+1:]...)
			return true
		}
	}
	return false
}

// ServeHTTP is invoked by httprouter for a matched path; it walks candidate
// routes in priority order and records the first whose secondary predicates
// (method, match_conditions) also match.
func (rg *routeGroup) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw, ok := w.(*captureWriter)
	if !ok {
		return
	}
	params := httprouter.ParamsFromContext(r.Context())
	pathParams := make(map[string]string, len(params))
	for _, p := range params {
		pathParams[p.Key] = p.Value
	}
	for _, route := range rg.routes {
		if route.matcher.Matches(r) {
			cw.match = &Match{Route: route, PathParams: pathParams}
			return
		}
	}
}

// captureWriter is a no-op ResponseWriter used to run httprouter dispatch
// purely for its matching side-effect.
type captureWriter struct {
	match  *Match
	header http.Header
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (cw *captureWriter) Header() http.Header       { return cw.header }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// prefixRoute is a path-prefix route checked as a fallback when no exact
// httprouter entry matched.
type prefixRoute struct {
	segments []string
	group    *routeGroup
}

var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// Router is the compiled index over every enabled route.
type Router struct {
	tree            *httprouter.Router
	groups          map[string]*routeGroup
	prefixGroups    []*prefixRoute
	prefixByPath    map[string]*routeGroup
	allRoutes       []*Route
	mu              sync.RWMutex
	nextIdx         int
	registeredPaths map[string]bool
}

// New creates an empty Router.
func New() *Router {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	return &Router{
		tree:            tree,
		groups:          make(map[string]*routeGroup),
		prefixByPath:    make(map[string]*routeGroup),
		registeredPaths: make(map[string]bool),
	}
}

// Build compiles a full route set from configuration, in declaration order.
// Disabled routes are skipped.
func Build(routes []config.RouteConfig) *Router {
	rt := New()
	for _, rc := range routes {
		if rc.Disabled {
			continue
		}
		rt.AddRoute(rc)
	}
	return rt
}

// AddRoute compiles and registers one route.
func (rt *Router) AddRoute(rc config.RouteConfig) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	route := &Route{Config: rc, configIdx: rt.nextIdx}
	rt.nextIdx++

	if len(rc.Methods) > 0 {
		route.Methods = make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			route.Methods[strings.ToUpper(m)] = true
		}
	}
	route.matcher = NewCompiledMatcher(rc.MatchConditions, rc.Methods)

	normalized := replaceParams(rc.PathPrefix)
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	isTail := strings.HasSuffix(normalized, "/**")
	if isTail {
		normalized = strings.TrimSuffix(normalized, "/**")
		rt.registerCatchAll(route, normalized)
	} else {
		rt.registerExact(route, normalized)
	}

	rt.allRoutes = append(rt.allRoutes, route)
}

func (rt *Router) registerExact(route *Route, normalized string) {
	group, exists := rt.groups[normalized]
	if !exists {
		group = &routeGroup{}
		rt.groups[normalized] = group
		for _, method := range standardMethods {
			key := method + " " + normalized
			if !rt.registeredPaths[key] {
				rt.tree.Handler(method, normalized, group)
				rt.registeredPaths[key] = true
			}
		}
	}
	group.add(route)
}

// registerCatchAll registers a "/**" tail-wildcard route both as an exact
// match at its prefix and as a prefix fallback for deeper subpaths.
func (rt *Router) registerCatchAll(route *Route, normalized string) {
	if normalized == "" {
		normalized = "/"
	}
	rt.registerExact(route, normalized)

	prefixGroup, exists := rt.prefixByPath[normalized]
	if !exists {
		prefixGroup = &routeGroup{}
		rt.prefixByPath[normalized] = prefixGroup
		rt.prefixGroups = append(rt.prefixGroups, &prefixRoute{segments: splitPath(normalized), group: prefixGroup})
		sort.Slice(rt.prefixGroups, func(i, j int) bool {
			return len(rt.prefixGroups[i].segments) > len(rt.prefixGroups[j].segments)
		})
	}
	prefixGroup.add(route)
}

// Match resolves (method, path, headers, claims) to a route and its
// extracted path parameters. The radix tree picks the most specific path
// pattern, and the first route on it (priority desc, id asc) whose
// predicates hold wins. Only when none does are "/**" prefix routes tried,
// longest prefix first. Priority is not compared across patterns.
func (rt *Router) Match(r *http.Request) *Match {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	cw := newCaptureWriter()
	rt.tree.ServeHTTP(cw, r)
	if cw.match != nil {
		return cw.match
	}
	return rt.matchPrefix(r)
}

func (rt *Router) matchPrefix(r *http.Request) *Match {
	reqSegments := splitPath(r.URL.Path)
	for _, pr := range rt.prefixGroups {
		if !pathHasPrefix(reqSegments, pr.segments) {
			continue
		}
		for _, route := range pr.group.routes {
			if route.matcher.Matches(r) {
				// The tail consumed by "**" is exposed as a path parameter
				// so path_rewrite templates can splice it back in.
				tail := strings.Join(reqSegments[len(pr.segments):], "/")
				return &Match{Route: route, PathParams: map[string]string{"tail": tail}}
			}
		}
	}
	return nil
}

// GetRoute returns a route by id.
func (rt *Router) GetRoute(id string) *Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, route := range rt.allRoutes {
		if route.Config.ID == id {
			return route
		}
	}
	return nil
}

// Routes returns a snapshot of every registered route, for the admin
// read-only route-listing endpoint.
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Route, len(rt.allRoutes))
	copy(out, rt.allRoutes)
	return out
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if strings.HasPrefix(seg, ":") {
			continue
		}
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}

// replaceParams converts "{name}" path parameters to httprouter's ":name"
// syntax and a bare "*" segment to an anonymous named parameter.
func replaceParams(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			segments[i] = ":" + strings.Trim(seg, "{}")
		case seg == "*":
			segments[i] = ":_wild"
		}
	}
	return "/" + strings.Join(segments, "/")
}
