package loadbalancer

import (
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/arcgate/gateway/internal/reqctx"
)

// ConsistentHash implements a consistent hash (ketama-style) load balancer.
// Requests whose extracted key is identical always land on the same
// backend, modulo ring membership changes.
type ConsistentHash struct {
	baseBalancer
	location string // "header" | "claim"
	field    string
	ring     []ringEntry
	ringMu   sync.RWMutex
	replicas int
}

type ringEntry struct {
	hash    uint64
	backend *Backend
}

const defaultHashReplicas = 150

// NewConsistentHash creates a consistent hash balancer. key is a route's
// consistent_hash_key in "header:<name>" or "claim:<path>" form.
func NewConsistentHash(backends []*Backend, key string) *ConsistentHash {
	ch := &ConsistentHash{replicas: defaultHashReplicas}
	ch.location, ch.field = parseHashKey(key)

	for _, b := range backends {
		if b.Weight == 0 {
			b.Weight = 1
		}
	}
	ch.backends = backends
	ch.buildIndex()
	ch.rebuildRing()
	return ch
}

func parseHashKey(key string) (location, field string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return "header", "X-Forwarded-For"
	}
	return parts[0], parts[1]
}

// rebuildRing rebuilds the hash ring from healthy backends.
func (ch *ConsistentHash) rebuildRing() {
	ch.mu.RLock()
	healthy := ch.healthyBackends()
	ch.mu.RUnlock()

	var ring []ringEntry
	for _, b := range healthy {
		vnodes := ch.replicas * b.Weight
		for i := 0; i < vnodes; i++ {
			h := xxhash.Sum64String(b.URL + "#" + strconv.Itoa(i))
			ring = append(ring, ringEntry{hash: h, backend: b})
		}
	}

	sort.Slice(ring, func(i, j int) bool {
		return ring[i].hash < ring[j].hash
	})

	ch.ringMu.Lock()
	ch.ring = ring
	ch.ringMu.Unlock()
}

// Next returns an arbitrary ring entry when no request context is available.
func (ch *ConsistentHash) Next() *Backend {
	ch.ringMu.RLock()
	defer ch.ringMu.RUnlock()
	if len(ch.ring) == 0 {
		return nil
	}
	return ch.ring[0].backend
}

// NextForHTTPRequest selects a backend by hashing the configured request
// attribute and walking the ring to the first entry at or past that hash.
func (ch *ConsistentHash) NextForHTTPRequest(r *http.Request) (*Backend, string) {
	h := xxhash.Sum64String(ch.extractKey(r))

	ch.ringMu.RLock()
	ring := ch.ring
	ch.ringMu.RUnlock()

	if len(ring) == 0 {
		return nil, ""
	}

	idx := sort.Search(len(ring), func(i int) bool {
		return ring[i].hash >= h
	})
	if idx >= len(ring) {
		idx = 0
	}
	return ring[idx].backend, ""
}

func (ch *ConsistentHash) extractKey(r *http.Request) string {
	switch ch.location {
	case "claim":
		if ctx := reqctx.FromRequest(r); ctx != nil && ctx.Principal != nil {
			if v, ok := ctx.Principal.Claims[ch.field]; ok {
				if s, ok := v.(string); ok {
					return s
				}
			}
		}
		return ""
	default: // "header"
		return r.Header.Get(ch.field)
	}
}

// extractClientIP extracts the client IP from X-Forwarded-For or RemoteAddr,
// for ip_hash. consistent_hash keyed on a header hashes that header's raw
// value instead.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UpdateBackends updates backends and rebuilds the ring.
func (ch *ConsistentHash) UpdateBackends(backends []*Backend) {
	ch.baseBalancer.UpdateBackends(backends)
	ch.rebuildRing()
}

// MarkHealthy marks a backend healthy and rebuilds the ring.
func (ch *ConsistentHash) MarkHealthy(url string) {
	ch.baseBalancer.MarkHealthy(url)
	ch.rebuildRing()
}

// MarkUnhealthy marks a backend unhealthy and rebuilds the ring.
func (ch *ConsistentHash) MarkUnhealthy(url string) {
	ch.baseBalancer.MarkUnhealthy(url)
	ch.rebuildRing()
}
