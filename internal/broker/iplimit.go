package broker

import (
	"net"
	"strings"
	"sync"

	"github.com/netdata/go.d.plugin/pkg/iprange"
)

// IPLimiter caps how many concurrent connections a single source IP may
// hold, with an optional exemption list (CIDR/IP ranges, or "*" for all).
type IPLimiter struct {
	mu       sync.Mutex
	counts   map[string]uint32
	Limit    uint32
	Exempt   []string // raw CIDR/range strings, parsed lazily by IsExempt
}

func NewIPLimiter(limit uint32) *IPLimiter {
	return &IPLimiter{
		counts: make(map[string]uint32),
		Limit:  limit,
	}
}

// IsExempt reports whether ipStr matches one of the configured exemption
// ranges. "*" exempts everything.
func (l *IPLimiter) IsExempt(ipStr string) bool {
	if len(l.Exempt) == 0 {
		return false
	}

	ip := net.ParseIP(ipStr)

	for _, raw := range l.Exempt {
		raw = strings.TrimSpace(raw)
		if raw == "*" {
			return true
		}
		if raw == "" {
			continue
		}
		rng, err := iprange.ParseRange(raw)
		if err != nil {
			continue
		}
		if rng.Contains(ip) {
			return true
		}
	}

	return false
}

// Acquire reserves a connection slot for ip, returning false if the IP is
// already at its limit and not exempt.
func (l *IPLimiter) Acquire(ip string) bool {
	if l.IsExempt(ip) {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[ip] >= l.Limit {
		return false
	}
	l.counts[ip]++
	return true
}

// Release frees a connection slot reserved by a prior successful Acquire.
// Releasing an exempt IP that was never actually counted is a harmless
// no-op.
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.counts[ip]
	if c <= 1 {
		delete(l.counts, ip)
	} else {
		l.counts[ip] = c - 1
	}
}
