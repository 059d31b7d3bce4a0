package network

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 2 * time.Minute
	clientTimeout     = 8 * time.Second
)

type dialFunc func(ctx context.Context, peer netip.AddrPort) (*quic.Conn, error)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

// clientPool keeps one live connection per peer, whichever side opened it.
type clientPool struct {
	mu        sync.Mutex
	conns     map[netip.AddrPort]*pooledConn
	failures  map[netip.AddrPort]*addrFailure
	idleAfter time.Duration
	dial      dialFunc
}

func newClientPool(idleAfter time.Duration, dial dialFunc) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[netip.AddrPort]*pooledConn),
		failures:  make(map[netip.AddrPort]*addrFailure),
		idleAfter: idleAfter,
		dial:      dial,
	}
}

// get returns the pooled connection to peer, dialing a new one if needed.
// fresh reports a new dial; the caller must start reading from it.
func (p *clientPool) get(ctx context.Context, peer netip.AddrPort) (conn *quic.Conn, fresh bool, err error) {
	if !peer.IsValid() {
		return nil, false, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[peer]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, false, nil
		}
		delete(p.conns, peer)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	conn, err = p.dial(ctx, peer)
	if err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	p.conns[peer] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, true, nil
}

// adopt pools an accepted connection unless a live one is already there.
func (p *clientPool) adopt(peer netip.AddrPort, conn *quic.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ent, ok := p.conns[peer]; ok && ent.conn.Context().Err() == nil {
		return
	}
	p.conns[peer] = &pooledConn{conn: conn, lastUsed: time.Now()}
}

func (p *clientPool) touch(peer netip.AddrPort, conn *quic.Conn) {
	if p == nil || conn == nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[peer]; ok && ent.conn == conn {
		ent.lastUsed = now
	}
	p.mu.Unlock()
}

func (p *clientPool) drop(peer netip.AddrPort, conn *quic.Conn, reason string) {
	if p == nil || conn == nil {
		return
	}
	p.forget(peer, conn)
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) forget(peer netip.AddrPort, conn *quic.Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[peer]; ok && ent.conn == conn {
		delete(p.conns, peer)
	}
	p.mu.Unlock()
}

// release closes and removes whatever connection is pooled for peer and
// clears its failure history. It reports whether a connection was pooled.
func (p *clientPool) release(peer netip.AddrPort, reason string) bool {
	p.mu.Lock()
	ent, ok := p.conns[peer]
	delete(p.conns, peer)
	delete(p.failures, peer)
	p.mu.Unlock()
	if ok {
		_ = ent.conn.CloseWithError(0, reason)
	}
	return ok
}

func (p *clientPool) closeAll(reason string) {
	p.mu.Lock()
	conns := make([]*quic.Conn, 0, len(p.conns))
	for peer, ent := range p.conns {
		conns = append(conns, ent.conn)
		delete(p.conns, peer)
	}
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(0, reason)
	}
}

func (p *clientPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *clientPool) recordFailure(peer netip.AddrPort) int {
	if p == nil {
		return 0
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[peer]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[peer] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (p *clientPool) resetFailures(peer netip.AddrPort) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.failures, peer)
	p.mu.Unlock()
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
