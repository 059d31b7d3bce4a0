// Package engine hands the routing table, the peer crypto map and the
// traffic counters to concurrent workers.
//
// Each shared type is a small handle around one mutex-guarded state. Copy
// it (or call Clone) to give a worker its own handle; all copies operate on
// the same state. Every method takes the lock for its whole effect and does
// nothing but in-memory work while holding it, so the three locks can never
// deadlock against each other. There is no ordering between different
// shared states.
package engine

import (
	"net/netip"
	"sync"

	"meshvpn/internal/metrics"
	"meshvpn/internal/ranges"
	"meshvpn/internal/table"
)

type lockedTable struct {
	mu    sync.Mutex
	table *table.Table
}

// SharedTable guards a claim table.
type SharedTable struct {
	s *lockedTable
}

func NewSharedTable(t *table.Table) SharedTable {
	return SharedTable{s: &lockedTable{table: t}}
}

func (h SharedTable) Clone() SharedTable {
	return h
}

// Sync sweeps expired cache entries and returns how many were dropped.
func (h SharedTable) Sync() int {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.table.Housekeep()
}

func (h SharedTable) Lookup(addr netip.Addr) (netip.AddrPort, bool) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.table.Lookup(addr)
}

// Claimant is Lookup restricted to claims.
func (h SharedTable) Claimant(addr netip.Addr) (netip.AddrPort, bool) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.table.Claimant(addr)
}

func (h SharedTable) SetClaims(peer netip.AddrPort, claims ranges.List) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.table.SetClaims(peer, claims)
}

func (h SharedTable) RemoveClaims(peer netip.AddrPort) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.table.RemoveClaims(peer)
}

func (h SharedTable) Cache(addr netip.Addr, peer netip.AddrPort) bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.table.Cache(addr, peer)
}

func (h SharedTable) Claims(peer netip.AddrPort) ranges.List {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.table.Claims(peer)
}

func (h SharedTable) Segments() []table.Segment {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.table.Segments()
}

type lockedTraffic struct {
	mu      sync.Mutex
	traffic *metrics.Traffic
}

// SharedTraffic guards the traffic counters.
type SharedTraffic struct {
	s *lockedTraffic
}

func NewSharedTraffic(t *metrics.Traffic) SharedTraffic {
	return SharedTraffic{s: &lockedTraffic{traffic: t}}
}

func (h SharedTraffic) Clone() SharedTraffic {
	return h
}

// Sync has nothing to do for counters.
func (h SharedTraffic) Sync() {}

func (h SharedTraffic) CountOutTraffic(peer netip.AddrPort, bytes int) {
	h.s.mu.Lock()
	h.s.traffic.CountOutTraffic(peer, bytes)
	h.s.mu.Unlock()
}

func (h SharedTraffic) CountInTraffic(peer netip.AddrPort, bytes int) {
	h.s.mu.Lock()
	h.s.traffic.CountInTraffic(peer, bytes)
	h.s.mu.Unlock()
}

func (h SharedTraffic) CountOutPayload(remote, local netip.Addr, bytes int) {
	h.s.mu.Lock()
	h.s.traffic.CountOutPayload(remote, local, bytes)
	h.s.mu.Unlock()
}

func (h SharedTraffic) CountInPayload(remote, local netip.Addr, bytes int) {
	h.s.mu.Lock()
	h.s.traffic.CountInPayload(remote, local, bytes)
	h.s.mu.Unlock()
}

func (h SharedTraffic) CountDroppedPayload(bytes int) {
	h.s.mu.Lock()
	h.s.traffic.CountDroppedPayload(bytes)
	h.s.mu.Unlock()
}

func (h SharedTraffic) CountInvalidProtocol(bytes int) {
	h.s.mu.Lock()
	h.s.traffic.CountInvalidProtocol(bytes)
	h.s.mu.Unlock()
}

// Snapshot implements metrics.Source.
func (h SharedTraffic) Snapshot() metrics.Snapshot {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.traffic.Snapshot()
}
