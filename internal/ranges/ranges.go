// Package ranges holds the address ranges peers claim in the overlay.
package ranges

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

var ErrBadRange = errors.New("bad range")

// Range is an inclusive interval of overlay addresses of one family.
type Range struct {
	Start netip.Addr
	End   netip.Addr
}

func New(start, end netip.Addr) Range {
	return Range{Start: start.Unmap(), End: end.Unmap()}
}

// Single returns the range covering exactly one address.
func Single(addr netip.Addr) Range {
	addr = addr.Unmap()
	return Range{Start: addr, End: addr}
}

// FromPrefix returns the addresses covered by a CIDR prefix.
func FromPrefix(p netip.Prefix) Range {
	bits := p.Bits()
	if p.Addr().Is4In6() && bits >= 96 {
		bits -= 96
	}
	p = netip.PrefixFrom(p.Addr().Unmap(), bits).Masked()
	start := p.Addr()
	raw := start.AsSlice()
	for i := p.Bits(); i < start.BitLen(); i++ {
		raw[i/8] |= 0x80 >> (i % 8)
	}
	end, _ := netip.AddrFromSlice(raw)
	return Range{Start: start, End: end}
}

func (r Range) Valid() bool {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return false
	}
	if r.Start.BitLen() != r.End.BitLen() {
		return false
	}
	return r.Start.Compare(r.End) <= 0
}

func (r Range) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	return r.Start.Compare(addr) <= 0 && addr.Compare(r.End) <= 0
}

func (r Range) Overlaps(o Range) bool {
	return r.Start.Compare(o.End) <= 0 && o.Start.Compare(r.End) <= 0
}

// Clip returns the part of r inside w.
func (r Range) Clip(w Range) (Range, bool) {
	if !r.Overlaps(w) {
		return Range{}, false
	}
	out := r
	if w.Start.Compare(out.Start) > 0 {
		out.Start = w.Start
	}
	if w.End.Compare(out.End) < 0 {
		out.End = w.End
	}
	return out, true
}

func (r Range) String() string {
	if r.Start == r.End {
		return r.Start.String()
	}
	return r.Start.String() + "-" + r.End.String()
}

// Parse accepts a single address, a CIDR prefix or "start-end".
func Parse(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("%w: empty", ErrBadRange)
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %v", ErrBadRange, err)
		}
		return FromPrefix(p), nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return Range{}, fmt.Errorf("%w: %v", ErrBadRange, err)
		}
		end, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return Range{}, fmt.Errorf("%w: %v", ErrBadRange, err)
		}
		r := New(start, end)
		if !r.Valid() {
			return Range{}, fmt.Errorf("%w: %s", ErrBadRange, s)
		}
		return r, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %v", ErrBadRange, err)
	}
	return Single(addr), nil
}

// List is the set of addresses a peer claims. Most operations expect a
// normalized list: sorted by start, disjoint and not adjacent.
type List []Range

func ParseList(items []string) (List, error) {
	out := make(List, 0, len(items))
	for _, item := range items {
		r, err := Parse(item)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out.Normalize(), nil
}

func (l List) Validate() error {
	for _, r := range l {
		if !r.Valid() {
			return fmt.Errorf("%w: %s", ErrBadRange, r)
		}
	}
	return nil
}

// Normalize returns a sorted copy with overlapping and adjacent ranges
// merged. Invalid ranges are dropped.
func (l List) Normalize() List {
	out := make(List, 0, len(l))
	for _, r := range l {
		r = New(r.Start, r.End)
		if r.Valid() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Compare(out[j].Start) < 0
	})
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.End.BitLen() == r.Start.BitLen() {
				next := last.End.Next()
				if r.Start.Compare(last.End) <= 0 || (next.IsValid() && next == r.Start) {
					if r.End.Compare(last.End) > 0 {
						last.End = r.End
					}
					continue
				}
			}
		}
		merged = append(merged, r)
	}
	return merged
}

// Contains reports whether addr is covered. l must be normalized.
func (l List) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	i := sort.Search(len(l), func(i int) bool {
		return l[i].End.Compare(addr) >= 0
	})
	return i < len(l) && l[i].Contains(addr)
}

// Overlaps reports whether any range in l shares an address with r. l must
// be normalized.
func (l List) Overlaps(r Range) bool {
	i := sort.Search(len(l), func(i int) bool {
		return l[i].End.Compare(r.Start) >= 0
	})
	return i < len(l) && l[i].Overlaps(r)
}

func (l List) String() string {
	parts := make([]string, len(l))
	for i, r := range l {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
