package router

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/reqctx"
)

// compiledCondition is one match_condition compiled for repeated evaluation.
type compiledCondition struct {
	location string // header | query | cookie | claim
	field    string
	operator string // equals | contains | regex | exists
	value    string
	regex    *regexp.Regexp
}

// CompiledMatcher evaluates a route's match_conditions.
type CompiledMatcher struct {
	conditions []compiledCondition
	methods    map[string]bool // nil = all methods allowed
}

// NewCompiledMatcher compiles a route's match conditions and method list.
func NewCompiledMatcher(conditions []config.MatchConditionConfig, methods []string) *CompiledMatcher {
	cm := &CompiledMatcher{}
	for _, c := range conditions {
		cc := compiledCondition{location: c.Location, field: c.Field, operator: c.Operator, value: c.Value}
		if c.Operator == "regex" && c.Value != "" {
			if re, err := regexp.Compile(c.Value); err == nil {
				cc.regex = re
			}
		}
		cm.conditions = append(cm.conditions, cc)
	}
	if len(methods) > 0 {
		cm.methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			cm.methods[strings.ToUpper(m)] = true
		}
	}
	return cm
}

// Matches evaluates method and all match_conditions (AND) against r. The
// principal, when present on r's context, supplies the claim location.
func (cm *CompiledMatcher) Matches(r *http.Request) bool {
	if cm.methods != nil && !cm.methods[r.Method] {
		return false
	}
	if len(cm.conditions) == 0 {
		return true
	}

	var claimsJSON []byte
	if ctx := reqctx.FromRequest(r); ctx != nil && ctx.Principal != nil {
		claimsJSON, _ = json.Marshal(ctx.Principal.Claims)
	}

	for _, c := range cm.conditions {
		if !conditionMatches(c, r, claimsJSON) {
			return false
		}
	}
	return true
}

func conditionMatches(c compiledCondition, r *http.Request, claimsJSON []byte) bool {
	var value string
	var exists bool

	switch c.location {
	case "header":
		value = r.Header.Get(c.field)
		_, exists = r.Header[http.CanonicalHeaderKey(c.field)]
	case "query":
		q := r.URL.Query()
		exists = q.Has(c.field)
		value = q.Get(c.field)
	case "cookie":
		ck, err := r.Cookie(c.field)
		exists = err == nil
		if exists {
			value = ck.Value
		}
	case "claim":
		if claimsJSON == nil {
			exists = false
		} else {
			res := gjson.GetBytes(claimsJSON, c.field)
			exists = res.Exists()
			value = res.String()
		}
	default:
		return false
	}

	switch c.operator {
	case "exists":
		return exists
	case "equals":
		return exists && value == c.value
	case "contains":
		return exists && strings.Contains(value, c.value)
	case "regex":
		return exists && c.regex != nil && c.regex.MatchString(value)
	default:
		return false
	}
}
