// Package table resolves overlay addresses to the peer that owns them.
//
// Ownership comes from explicit claims (a peer's full list of ranges) and,
// with lower priority, from a learned-address cache. Where claims of two
// peers overlap, the most recent SetClaims wins for the overlapping
// addresses only. The claims themselves are kept as declared, so when the
// newer claimant leaves, addresses still listed by an older claim resolve
// to that peer again.
//
// A Table is not safe for concurrent use; engine.SharedTable guards it.
package table

import (
	"net/netip"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"modernc.org/b"

	"meshvpn/internal/ranges"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 4096
)

type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	Clock     clock.Clock
}

// Segment is one resolved piece of the ownership index.
type Segment struct {
	Range ranges.Range
	Peer  netip.AddrPort
}

type claim struct {
	ranges ranges.List
	seq    uint64
}

type segment struct {
	end  netip.Addr
	peer netip.AddrPort
}

type cacheEntry struct {
	peer    netip.AddrPort
	expires time.Time
}

type Table struct {
	clock    clock.Clock
	cacheTTL time.Duration
	seq      uint64
	claims   map[netip.AddrPort]*claim
	// index maps segment start -> *segment; segments never overlap.
	index    *b.Tree
	cache    *simplelru.LRU[netip.Addr, cacheEntry]
	cachedBy map[netip.AddrPort]map[netip.Addr]struct{}
}

func New(opts Options) *Table {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{
		clock:    clk,
		cacheTTL: ttl,
		claims:   make(map[netip.AddrPort]*claim),
		index:    b.TreeNew(b.Cmp(compareAddr)),
		cachedBy: make(map[netip.AddrPort]map[netip.Addr]struct{}),
	}
	// Only fails for a non-positive size.
	t.cache, _ = simplelru.NewLRU[netip.Addr, cacheEntry](size, t.onCacheEvict)
	return t
}

func compareAddr(x, y interface{}) int {
	return x.(netip.Addr).Compare(y.(netip.Addr))
}

// SetClaims replaces everything peer claims with list.
func (t *Table) SetClaims(peer netip.AddrPort, list ranges.List) {
	list = list.Normalize()
	dirty := ranges.List{}
	if old, ok := t.claims[peer]; ok {
		dirty = append(dirty, old.ranges...)
	}
	dirty = append(dirty, list...)
	if len(list) == 0 {
		delete(t.claims, peer)
	} else {
		t.seq++
		t.claims[peer] = &claim{ranges: list, seq: t.seq}
	}
	dirty = dirty.Normalize()
	t.rebuild(dirty)
	t.invalidateCacheWithin(dirty)
}

// RemoveClaims drops peer's claim and every cache entry resolving to it.
func (t *Table) RemoveClaims(peer netip.AddrPort) {
	if old, ok := t.claims[peer]; ok {
		delete(t.claims, peer)
		t.rebuild(old.ranges)
	}
	if addrs, ok := t.cachedBy[peer]; ok {
		keys := make([]netip.Addr, 0, len(addrs))
		for addr := range addrs {
			keys = append(keys, addr)
		}
		for _, addr := range keys {
			t.cache.Remove(addr)
		}
	}
}

// Claimant returns the peer whose claim covers addr, ignoring the cache.
func (t *Table) Claimant(addr netip.Addr) (netip.AddrPort, bool) {
	return t.claimant(addr.Unmap())
}

// Lookup returns the claimant of addr, or else the peer a live cache entry
// points to.
func (t *Table) Lookup(addr netip.Addr) (netip.AddrPort, bool) {
	addr = addr.Unmap()
	if peer, ok := t.claimant(addr); ok {
		return peer, true
	}
	ent, ok := t.cache.Get(addr)
	if !ok {
		return netip.AddrPort{}, false
	}
	if !t.clock.Now().Before(ent.expires) {
		t.cache.Remove(addr)
		return netip.AddrPort{}, false
	}
	return ent.peer, true
}

// Cache records that addr was seen behind peer. Claimed addresses are left
// alone and false is returned.
func (t *Table) Cache(addr netip.Addr, peer netip.AddrPort) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return false
	}
	if _, ok := t.claimant(addr); ok {
		return false
	}
	// Remove first so the reverse index follows the new owner.
	t.cache.Remove(addr)
	t.cache.Add(addr, cacheEntry{peer: peer, expires: t.clock.Now().Add(t.cacheTTL)})
	set, ok := t.cachedBy[peer]
	if !ok {
		set = make(map[netip.Addr]struct{})
		t.cachedBy[peer] = set
	}
	set[addr] = struct{}{}
	return true
}

// Housekeep drops expired cache entries and reports how many went away.
func (t *Table) Housekeep() int {
	now := t.clock.Now()
	removed := 0
	for _, addr := range t.cache.Keys() {
		ent, ok := t.cache.Peek(addr)
		if ok && !now.Before(ent.expires) {
			t.cache.Remove(addr)
			removed++
		}
	}
	return removed
}

func (t *Table) Claims(peer netip.AddrPort) ranges.List {
	c, ok := t.claims[peer]
	if !ok {
		return nil
	}
	out := make(ranges.List, len(c.ranges))
	copy(out, c.ranges)
	return out
}

// Peers returns the number of peers holding a claim.
func (t *Table) Peers() int {
	return len(t.claims)
}

func (t *Table) CacheLen() int {
	return t.cache.Len()
}

// Segments returns the resolved ownership index in address order.
func (t *Table) Segments() []Segment {
	out := make([]Segment, 0, t.index.Len())
	e, err := t.index.SeekFirst()
	if err != nil {
		return out
	}
	defer e.Close()
	for {
		k, v, err := e.Next()
		if err != nil {
			break
		}
		seg := v.(*segment)
		out = append(out, Segment{Range: ranges.Range{Start: k.(netip.Addr), End: seg.end}, Peer: seg.peer})
	}
	return out
}

func (t *Table) onCacheEvict(addr netip.Addr, ent cacheEntry) {
	set, ok := t.cachedBy[ent.peer]
	if !ok {
		return
	}
	delete(set, addr)
	if len(set) == 0 {
		delete(t.cachedBy, ent.peer)
	}
}

// invalidateCacheWithin drops cache entries inside any of the normalized
// windows in one pass over the cache.
func (t *Table) invalidateCacheWithin(windows ranges.List) {
	if len(windows) == 0 || t.cache.Len() == 0 {
		return
	}
	for _, addr := range t.cache.Keys() {
		if windows.Contains(addr) {
			t.cache.Remove(addr)
		}
	}
}

// claimant is a floor search: the segment starting at or before addr owns
// it if it also ends at or after addr.
func (t *Table) claimant(addr netip.Addr) (netip.AddrPort, bool) {
	start, seg, ok := t.floor(addr)
	if !ok || start.BitLen() != addr.BitLen() || seg.end.Compare(addr) < 0 {
		return netip.AddrPort{}, false
	}
	return seg.peer, true
}

func (t *Table) floor(addr netip.Addr) (netip.Addr, *segment, bool) {
	e, _ := t.index.Seek(addr)
	defer e.Close()
	k, v, err := e.Prev()
	if err != nil {
		return netip.Addr{}, nil, false
	}
	return k.(netip.Addr), v.(*segment), true
}

// rebuild re-resolves ownership of every address in the normalized windows
// from the current claims. Claims are scanned once for all windows.
func (t *Table) rebuild(windows ranges.List) {
	if len(windows) == 0 {
		return
	}
	var candidates []layer
	for peer, c := range t.claims {
		for _, r := range c.ranges {
			if windows.Overlaps(r) {
				candidates = append(candidates, layer{r: r, seq: c.seq, peer: peer})
			}
		}
	}
	for _, w := range windows {
		t.cut(w)
		for _, s := range resolve(w, candidates) {
			t.index.Set(s.Range.Start, &segment{end: s.Range.End, peer: s.Peer})
		}
	}
}

// cut removes w from the index, trimming segments that straddle its edges.
func (t *Table) cut(w ranges.Range) {
	type hit struct {
		start netip.Addr
		seg   *segment
	}
	var hits []hit
	if start, seg, ok := t.floor(w.Start); ok && start.Compare(w.Start) < 0 && seg.end.Compare(w.Start) >= 0 {
		hits = append(hits, hit{start, seg})
	}
	if e, _ := t.index.Seek(w.Start); e != nil {
		for {
			k, v, err := e.Next()
			if err != nil {
				break
			}
			start := k.(netip.Addr)
			if start.Compare(w.End) > 0 {
				break
			}
			hits = append(hits, hit{start, v.(*segment)})
		}
		e.Close()
	}
	for _, h := range hits {
		t.index.Delete(h.start)
		if h.start.Compare(w.Start) < 0 {
			t.index.Set(h.start, &segment{end: w.Start.Prev(), peer: h.seg.peer})
		}
		if h.seg.end.Compare(w.End) > 0 {
			t.index.Set(w.End.Next(), &segment{end: h.seg.end, peer: h.seg.peer})
		}
	}
}

type layer struct {
	r    ranges.Range
	seq  uint64
	peer netip.AddrPort
}

// resolve splits w at every claim boundary inside it and gives each piece
// to the newest claim covering it.
func resolve(w ranges.Range, candidates []layer) []Segment {
	var layers []layer
	for _, c := range candidates {
		if clip, ok := c.r.Clip(w); ok {
			layers = append(layers, layer{r: clip, seq: c.seq, peer: c.peer})
		}
	}
	if len(layers) == 0 {
		return nil
	}
	points := make([]netip.Addr, 0, 2*len(layers))
	for _, l := range layers {
		points = append(points, l.r.Start)
		if next := l.r.End.Next(); next.IsValid() && next.Compare(w.End) <= 0 {
			points = append(points, next)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Compare(points[j]) < 0 })
	uniq := points[:0]
	for i, p := range points {
		if i == 0 || p != uniq[len(uniq)-1] {
			uniq = append(uniq, p)
		}
	}

	var out []Segment
	for i, p := range uniq {
		end := w.End
		if i+1 < len(uniq) {
			end = uniq[i+1].Prev()
		}
		var best *layer
		for j := range layers {
			l := &layers[j]
			if l.r.Contains(p) && (best == nil || l.seq > best.seq) {
				best = l
			}
		}
		if best == nil {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Peer == best.peer && out[n-1].Range.End.Next() == p {
			out[n-1].Range.End = end
			continue
		}
		out = append(out, Segment{Range: ranges.Range{Start: p, End: end}, Peer: best.peer})
	}
	return out
}
