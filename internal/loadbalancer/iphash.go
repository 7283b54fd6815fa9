package loadbalancer

import (
	"net/http"

	"github.com/cespare/xxhash/v2"
)

// IPHash implements sticky-per-client selection: the client address hashes
// into the healthy backend set modulo its size.
type IPHash struct {
	baseBalancer
}

// NewIPHash creates a new ip_hash balancer.
func NewIPHash(backends []*Backend) *IPHash {
	ih := &IPHash{}
	for _, b := range backends {
		if b.Weight == 0 {
			b.Weight = 1
		}
	}
	ih.backends = backends
	ih.buildIndex()
	return ih
}

// Next returns an arbitrary healthy backend when no request is available.
func (ih *IPHash) Next() *Backend {
	healthy := ih.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	return healthy[0]
}

// NextForHTTPRequest hashes the client address and picks the corresponding
// healthy backend, so the same client keeps landing on the same instance.
func (ih *IPHash) NextForHTTPRequest(r *http.Request) (*Backend, string) {
	healthy := ih.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil, ""
	}
	h := xxhash.Sum64String(extractClientIP(r))
	idx := int(h % uint64(len(healthy)))
	return healthy[idx], ""
}
