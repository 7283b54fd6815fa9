package realip

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

// contextKey keeps the stored client address private to this package.
type contextKey struct{}

// CompiledRealIP resolves the originating client address behind the
// configured trusted proxy tier, feeding the per-IP rate-limit dimension
// and the X-Forwarded-For value the proxy appends upstream.
type CompiledRealIP struct {
	trustedNets []*net.IPNet
	headers     []string // forwarding headers, consulted in order
	maxHops     int      // XFF hops to walk before giving up; 0 = unlimited

	totalRequests atomic.Int64
	extracted     atomic.Int64 // addresses taken from a header rather than RemoteAddr
}

// New compiles the trusted proxy CIDR list. Bare IPs are widened to /32 or
// /128 host routes.
func New(cidrs []string, headers []string, maxHops int) (*CompiledRealIP, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &CompiledRealIP{
		trustedNets: nets,
		headers:     headers,
		maxHops:     maxHops,
	}, nil
}

// Extract resolves the client address for r: the X-Forwarded-For chain is
// walked right to left past trusted proxies until the first address the
// gateway does not control. Without a trusted-proxy list the first XFF
// entry wins, matching the behavior of deployments that predate the list.
func (c *CompiledRealIP) Extract(r *http.Request) string {
	c.totalRequests.Add(1)

	remoteIP := extractHost(r.RemoteAddr)

	if len(c.trustedNets) == 0 {
		return c.legacyExtract(r, remoteIP)
	}

	// Headers are only believable when the direct peer is one of ours.
	if !c.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range c.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}

		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := c.walkXFF(val); ip != "" {
				c.extracted.Add(1)
				return ip
			}
		} else {
			ip := strings.TrimSpace(val)
			if ip != "" {
				c.extracted.Add(1)
				return ip
			}
		}
	}

	return remoteIP
}

// walkXFF returns the rightmost X-Forwarded-For entry that is not a
// trusted proxy.
func (c *CompiledRealIP) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	hops := 0
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		hops++

		if c.maxHops > 0 && hops > c.maxHops {
			return ip
		}

		if !c.isTrusted(ip) {
			return ip
		}
	}

	// Every hop was ours; the leftmost entry is the best guess left.
	if len(parts) > 0 {
		return strings.TrimSpace(parts[0])
	}
	return ""
}

// isTrusted reports whether ipStr falls inside a trusted CIDR.
func (c *CompiledRealIP) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range c.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// legacyExtract takes the first forwarding-header value at face value,
// used only when no trusted-proxy list is configured.
func (c *CompiledRealIP) legacyExtract(r *http.Request, remoteIP string) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				c.extracted.Add(1)
				return ip
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		c.extracted.Add(1)
		return xri
	}
	return remoteIP
}

// Middleware resolves the client address once per request and parks it in
// the context for the rate limiter and request-context stages.
func (c *CompiledRealIP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		realIP := c.Extract(r)
		ctx := context.WithValue(r.Context(), contextKey{}, realIP)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the address Middleware stored, or "" outside it.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// Stats is the admin-facing counter snapshot.
type Stats struct {
	TotalRequests int64    `json:"total_requests"`
	Extracted     int64    `json:"extracted"`
	TrustedCIDRs  int      `json:"trusted_cidrs"`
	Headers       []string `json:"headers"`
	MaxHops       int      `json:"max_hops"`
}

// Stats returns the current metrics.
func (c *CompiledRealIP) Stats() Stats {
	return Stats{
		TotalRequests: c.totalRequests.Load(),
		Extracted:     c.extracted.Load(),
		TrustedCIDRs:  len(c.trustedNets),
		Headers:       c.headers,
		MaxHops:       c.maxHops,
	}
}

// extractHost extracts the host part from an address (strips port).
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
