package network

import (
	"net/netip"
	"sync"
)

// ipLimiter caps concurrent inbound connections per remote address.
type ipLimiter struct {
	mu         sync.Mutex
	maxConns   int
	connCounts map[netip.Addr]int
}

func newIPLimiter(maxConns int) *ipLimiter {
	return &ipLimiter{
		maxConns:   maxConns,
		connCounts: make(map[netip.Addr]int),
	}
}

func (l *ipLimiter) acquireConn(ip netip.Addr) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *ipLimiter) releaseConn(ip netip.Addr) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}
