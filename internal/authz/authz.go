// Package authz is the authorization evaluator: it combines
// role rules and attribute rules into an allow/deny verdict for a matched
// route, per request principal.
package authz

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/errors"
	"github.com/arcgate/gateway/internal/reqctx"
)

// Decision is the evaluator's output: allow, deny, or not_applicable (neither rule
// family had an opinion).
type Decision int

const (
	NotApplicable Decision = iota
	Allow
	Deny
)

// Input bundles the request-side facts the evaluator needs beyond the
// principal and the matched route.
type Input struct {
	Method       string
	Path         string
	PathParams   map[string]string
	Header       http.Header
	Query        map[string][]string
	TenantStatus string // "" when no tenant is configured/mandatory
}

// cacheKey identifies a cached verdict. Permissions are cached by
// (subject_id, tenant_id); the route and method are folded in
// because a principal's verdict is route-specific, and config is immutable
// within a generation so the combination is safe to memoize.
type cacheKey struct {
	subjectID string
	tenantID  string
	routeID   string
	method    string
}

// Evaluator holds the compiled rule machinery. Permissions are cached
// with a bounded TTL;
// invalidation is TTL-only; there is no push channel.
type Evaluator struct {
	cache *lru.LRU[cacheKey, Decision]
}

// NewEvaluator builds an Evaluator from the authorization section of the
// configuration.
func NewEvaluator(cfg config.AuthorizationConfig) *Evaluator {
	size := cfg.PermissionsCacheSize
	if size <= 0 {
		size = 4096
	}
	ttl := cfg.PermissionsCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Evaluator{cache: lru.NewLRU[cacheKey, Decision](size, nil, ttl)}
}

// Evaluate decides principal against route, returning nil on
// allow or a *errors.GatewayError (KindInvalidTenant / KindAuthorizationFailed)
// otherwise.
func (e *Evaluator) Evaluate(route *config.RouteConfig, principal *reqctx.Principal, in Input) error {
	// Tenant status gates ahead of role/attribute evaluation: a suspended
	// or expired tenant is denied no matter what its rules say.
	if in.TenantStatus == "suspended" || in.TenantStatus == "expired" {
		return errors.New(errors.KindInvalidTenant, fmt.Sprintf("tenant is %s", in.TenantStatus))
	}

	key := cacheKey{subjectID: principal.SubjectID, tenantID: principal.TenantID, routeID: route.ID, method: in.Method}
	if d, ok := e.cache.Get(key); ok {
		return decisionToError(d)
	}

	d := e.evaluate(route, principal, in)
	e.cache.Add(key, d)
	return decisionToError(d)
}

func decisionToError(d Decision) error {
	if d == Deny {
		return errors.ErrAuthorizationFailed
	}
	return nil
}

func (e *Evaluator) evaluate(route *config.RouteConfig, principal *reqctx.Principal, in Input) Decision {
	roleVerdict := evaluateRoleRules(route.RoleRules, principal, in)
	if roleVerdict == Deny {
		return Deny
	}

	attrVerdict := evaluateAttributeRules(route.AttributeRules, principal, in)
	if attrVerdict == Deny {
		// Explicit deny from an attribute rule overrides an allow from role rules.
		return Deny
	}

	if roleVerdict == Allow {
		return Allow
	}
	if attrVerdict == Allow {
		return Allow
	}

	// Both families are not_applicable.
	if route.DefaultPermissions {
		return Allow
	}
	return Deny
}

// evaluateRoleRules runs the role-rule family.
func evaluateRoleRules(rules []config.RoleRuleConfig, principal *reqctx.Principal, in Input) Decision {
	for _, rule := range rules {
		if !principalHasMatchingRole(principal, rule.RolePattern) {
			continue
		}
		if !pathMatches(rule.PathPattern, in.Path) {
			continue
		}
		if !methodMatches(rule.Methods, in.Method) {
			continue
		}
		if !actionsMatchScopes(rule.Actions, principal) {
			continue
		}
		return Allow
	}
	return NotApplicable
}

func principalHasMatchingRole(principal *reqctx.Principal, pattern string) bool {
	for _, role := range principal.Roles {
		if rolePatternMatches(pattern, role) {
			return true
		}
	}
	return false
}

func rolePatternMatches(pattern, role string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(role, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == role
}

// pathMatches supports "*" for a single path segment and "**" for the
// remaining tail, matching the route matcher's wildcard dialect.
func pathMatches(pattern, path string) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")

	for i, seg := range patSegs {
		if seg == "**" {
			return true
		}
		if i >= len(pathSegs) {
			return false
		}
		if seg == "*" {
			continue
		}
		if seg != pathSegs[i] {
			return false
		}
	}
	return len(patSegs) == len(pathSegs)
}

func methodMatches(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func actionsMatchScopes(actions []string, principal *reqctx.Principal) bool {
	if len(actions) == 0 {
		return true
	}
	for _, action := range actions {
		if principal.HasScope(action) {
			return true
		}
	}
	return false
}

// evaluateAttributeRules runs the attribute-rule family.
func evaluateAttributeRules(rules []config.AttributeRuleConfig, principal *reqctx.Principal, in Input) Decision {
	verdict := NotApplicable
	for _, rule := range rules {
		if !actionsMatchScopes(rule.Actions, principal) && len(rule.Actions) > 0 {
			continue
		}
		if len(rule.PathPatterns) > 0 && !anyPathMatches(rule.PathPatterns, in.Path) {
			continue
		}
		if !allConditionsHold(rule.Conditions, principal, in) {
			continue
		}

		switch strings.ToLower(rule.Effect) {
		case "deny":
			return Deny
		case "allow":
			verdict = Allow
		}
	}
	return verdict
}

func anyPathMatches(patterns []string, path string) bool {
	for _, p := range patterns {
		if pathMatches(p, path) {
			return true
		}
	}
	return false
}

// allConditionsHold evaluates every condition of a rule per the operator
// set: equals, not_equals, contains, not_contains, matches,
// exists, not_exists, greater_than, less_than, in, not_in.
func allConditionsHold(conditions []config.ConditionConfig, principal *reqctx.Principal, in Input) bool {
	for _, cond := range conditions {
		if !conditionHolds(cond, principal, in) {
			return false
		}
	}
	return true
}

func conditionHolds(cond config.ConditionConfig, principal *reqctx.Principal, in Input) bool {
	value, exists := resolveAttribute(cond.Attribute, principal, in)

	switch cond.Operator {
	case "exists":
		return exists
	case "not_exists":
		return !exists
	}

	if !exists {
		return false
	}

	switch cond.Operator {
	case "equals":
		return value == cond.Value
	case "not_equals":
		return value != cond.Value
	case "contains":
		return strings.Contains(value, cond.Value)
	case "not_contains":
		return !strings.Contains(value, cond.Value)
	case "matches":
		re, err := regexp.Compile(cond.Value)
		return err == nil && re.MatchString(value)
	case "greater_than":
		a, err1 := strconv.ParseFloat(value, 64)
		b, err2 := strconv.ParseFloat(cond.Value, 64)
		return err1 == nil && err2 == nil && a > b
	case "less_than":
		a, err1 := strconv.ParseFloat(value, 64)
		b, err2 := strconv.ParseFloat(cond.Value, 64)
		return err1 == nil && err2 == nil && a < b
	case "in":
		for _, v := range strings.Split(cond.Value, ",") {
			if strings.TrimSpace(v) == value {
				return true
			}
		}
		return false
	case "not_in":
		for _, v := range strings.Split(cond.Value, ",") {
			if strings.TrimSpace(v) == value {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// resolveAttribute resolves a dotted attribute path against the subject
// (principal), request, or resource namespaces.
func resolveAttribute(attribute string, principal *reqctx.Principal, in Input) (string, bool) {
	parts := strings.SplitN(attribute, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	namespace, field := parts[0], parts[1]

	switch namespace {
	case "subject":
		switch field {
		case "subject_id":
			return principal.SubjectID, principal.SubjectID != ""
		case "tenant_id":
			return principal.TenantID, principal.TenantID != ""
		case "auth_kind":
			return string(principal.AuthKind), true
		default:
			if v, ok := principal.Claims[field]; ok {
				return fmt.Sprintf("%v", v), true
			}
			return "", false
		}

	case "request":
		switch {
		case field == "method":
			return in.Method, true
		case field == "path":
			return in.Path, true
		case strings.HasPrefix(field, "header."):
			name := strings.TrimPrefix(field, "header.")
			if in.Header == nil {
				return "", false
			}
			v := in.Header.Get(name)
			return v, v != ""
		case strings.HasPrefix(field, "query."):
			name := strings.TrimPrefix(field, "query.")
			vals := in.Query[name]
			if len(vals) == 0 {
				return "", false
			}
			return vals[0], true
		case strings.HasPrefix(field, "param."):
			name := strings.TrimPrefix(field, "param.")
			v, ok := in.PathParams[name]
			return v, ok
		default:
			return "", false
		}

	case "resource":
		if field == "type" {
			return "", false
		}
		return "", false
	}

	return "", false
}
