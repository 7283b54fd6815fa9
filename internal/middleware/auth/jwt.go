package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/errors"
	"github.com/arcgate/gateway/internal/middleware"
	"github.com/arcgate/gateway/internal/reqctx"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth is the bearer-token authenticator: bypass check, algorithm
// allow-list enforcement, key-set lookup, signature and standard
// claim validation, and Principal extraction.
type JWTAuth struct {
	secret    []byte
	keys      *KeySetCache // non-nil when jwks_url is configured
	issuer    string
	audience  []string
	algorithm string

	allowedAlgorithms map[string]bool
	bypassPatterns    []string
	tenantClaim       string
	skewTolerance     time.Duration
}

// NewJWTAuth creates a new JWT authenticator. When cfg.JWKSURL is set, keys
// are resolved dynamically through a KeySetCache; otherwise a single
// static secret is used (HMAC only — the legacy configuration path).
func NewJWTAuth(cfg config.JWTConfig) (*JWTAuth, error) {
	a := &JWTAuth{
		issuer:         cfg.Issuer,
		audience:       cfg.Audience,
		algorithm:      cfg.Algorithm,
		bypassPatterns: cfg.BypassPatterns,
		tenantClaim:    cfg.TenantClaim,
		skewTolerance:  cfg.SkewTolerance,
	}
	if a.algorithm == "" {
		a.algorithm = "HS256"
	}
	if a.tenantClaim == "" {
		a.tenantClaim = "tenant_id"
	}
	if a.skewTolerance <= 0 {
		a.skewTolerance = 5 * time.Second
	}

	allowed := cfg.AllowedAlgorithms
	if len(allowed) == 0 {
		allowed = []string{a.algorithm}
	}
	a.allowedAlgorithms = make(map[string]bool, len(allowed))
	for _, alg := range allowed {
		a.allowedAlgorithms[alg] = true
	}

	if cfg.JWKSURL != "" {
		refresh := cfg.JWKSRefreshInterval
		threshold := cfg.JWKSAlertThreshold
		keys, err := NewKeySetCache(cfg.JWKSURL, refresh, threshold, nil)
		if err != nil {
			return nil, fmt.Errorf("initializing key-set cache: %w", err)
		}
		a.keys = keys
		return a, nil
	}

	a.secret = []byte(cfg.Secret)
	return a, nil
}

// IsEnabled returns true if JWT auth is configured.
func (a *JWTAuth) IsEnabled() bool {
	return len(a.secret) > 0 || a.keys != nil
}

// Close releases the underlying key-set cache, if any.
func (a *JWTAuth) Close() {
	if a.keys != nil {
		a.keys.Close()
	}
}

// Warm reports whether the key-set cache has a usable snapshot, for the
// admin plane's readiness probe. Authenticators without a JWKS source (no
// keys to warm) report ready immediately.
func (a *JWTAuth) Warm() bool {
	if a.keys == nil {
		return true
	}
	return a.keys.Warm()
}

// RefreshKeys forces a key-set fetch outside the background cadence, for
// the admin plane's operator-triggered refresh. A no-op without a JWKS
// source.
func (a *JWTAuth) RefreshKeys(ctx context.Context) error {
	if a.keys == nil {
		return nil
	}
	return a.keys.Refresh(ctx)
}

// Bypassed reports whether path matches one of the configured bypass
// patterns, which short-circuits authentication entirely.
func (a *JWTAuth) Bypassed(path string) bool {
	for _, pattern := range a.bypassPatterns {
		if pathMatchesBypass(pattern, path) {
			return true
		}
	}
	return false
}

// pathMatchesBypass supports a trailing "**" tail wildcard and a trailing
// "*" single-segment wildcard; anything else is an exact match.
func pathMatchesBypass(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		rest := strings.TrimPrefix(path, prefix+"/")
		return strings.HasPrefix(path, prefix+"/") && !strings.Contains(rest, "/")
	}
	return pattern == path
}

// keyFunc resolves the verification key for token, honoring the algorithm
// allow-list and, when configured, the key-set cache by key id.
func (a *JWTAuth) keyFunc(token *jwt.Token) (interface{}, error) {
	alg, _ := token.Header["alg"].(string)
	if !a.allowedAlgorithms[alg] {
		return nil, fmt.Errorf("algorithm %q is not on the allow-list", alg)
	}

	if a.keys != nil {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no key id")
		}
		key, ok := a.keys.GetKeyByID(kid)
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key.Raw, nil
	}

	switch {
	case strings.HasPrefix(alg, "HS"):
		return a.secret, nil
	default:
		return nil, fmt.Errorf("no static key configured for algorithm %q", alg)
	}
}

// Authenticate verifies the bearer token on r and returns the resulting
// Principal: algorithm check, key lookup, signature and claim validation,
// then claim extraction.
func (a *JWTAuth) Authenticate(r *http.Request) (*reqctx.Principal, error) {
	tokenString := a.extractToken(r)
	if tokenString == "" {
		return nil, errors.New(errors.KindAuthenticationFailed, "bearer token not provided")
	}
	if strings.Count(tokenString, ".") != 2 {
		return nil, errors.New(errors.KindAuthenticationFailed, "malformed bearer token")
	}

	parserOpts := []jwt.ParserOption{jwt.WithLeeway(a.skewTolerance)}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if len(a.audience) > 0 {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience[0]))
	}

	token, err := jwt.Parse(tokenString, a.keyFunc, parserOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindAuthenticationFailed, "invalid bearer token")
	}
	if !token.Valid {
		return nil, errors.New(errors.KindAuthenticationFailed, "bearer token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New(errors.KindAuthenticationFailed, "invalid token claims")
	}

	if len(a.audience) > 1 {
		aud, _ := claims.GetAudience()
		if !a.containsAudience(aud) {
			return nil, errors.New(errors.KindAuthenticationFailed, "invalid token audience")
		}
	}

	subjectID, _ := claims.GetSubject()
	tenantID, _ := claims[a.tenantClaim].(string)

	var roles []string
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	case string:
		roles = strings.Fields(v)
	}

	var scopes []string
	if s, ok := claims["scopes"].(string); ok {
		scopes = strings.Fields(s)
	} else if s, ok := claims["scope"].(string); ok {
		scopes = strings.Fields(s)
	}

	claimsMap := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		claimsMap[k] = v
	}

	var expiresAt *time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		expiresAt = &t
	}

	return &reqctx.Principal{
		SubjectID: subjectID,
		TenantID:  tenantID,
		Roles:     roles,
		Scopes:    scopes,
		Claims:    claimsMap,
		ExpiresAt: expiresAt,
		AuthKind:  reqctx.AuthJWT,
	}, nil
}

// extractToken extracts the bearer token from the Authorization header.
func (a *JWTAuth) extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return auth[7:]
	}
	return ""
}

// containsAudience checks if any of the token's audiences match the
// configured allow-list.
func (a *JWTAuth) containsAudience(tokenAud []string) bool {
	for _, ta := range tokenAud {
		for _, ea := range a.audience {
			if ta == ea {
				return true
			}
		}
	}
	return false
}

// Middleware wraps next with bearer-token authentication. When required is
// false, an authentication failure or absent token yields an anonymous
// principal instead of a 401; downstream stages decide whether anonymous is
// permitted for the matched route.
func (a *JWTAuth) Middleware(required bool) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.Bypassed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := a.Authenticate(r)
			if err != nil {
				if required {
					gatewayErr, _ := errors.IsGatewayError(err)
					w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
					gatewayErr.WriteJSON(w)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx := reqctx.FromRequest(r)
			if ctx != nil {
				ctx.Principal = principal
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GenerateToken issues an HMAC-signed token for tests and key-rotation
// tooling; it is never used on the request-handling path.
func (a *JWTAuth) GenerateToken(claims map[string]interface{}) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}

	var method jwt.SigningMethod
	switch a.algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return "", fmt.Errorf("unsupported algorithm for token generation: %s", a.algorithm)
	}
	if len(a.secret) == 0 {
		return "", fmt.Errorf("no static secret configured; cannot generate tokens against a JWKS-backed authenticator")
	}

	token := jwt.NewWithClaims(method, mapClaims)
	return token.SignedString(a.secret)
}
