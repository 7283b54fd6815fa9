package proxy

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// NewResolver builds a *net.Resolver that rotates lookups across the
// configured nameservers instead of the OS default — used when the gateway
// runs in an environment where upstream service names resolve through a
// dedicated DNS tier. An empty nameserver list returns nil, which tells the
// dialer to use the OS resolver.
func NewResolver(nameservers []string, timeout time.Duration) *net.Resolver {
	if len(nameservers) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	servers := make([]string, len(nameservers))
	for i, ns := range nameservers {
		if !strings.Contains(ns, ":") {
			ns += ":53"
		}
		servers[i] = ns
	}

	var counter atomic.Uint64

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			idx := counter.Add(1) - 1
			ns := servers[idx%uint64(len(servers))]

			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "udp", ns)
		},
	}
}
