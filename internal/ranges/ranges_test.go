package ranges

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseForms(t *testing.T) {
	r, err := Parse("10.0.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0-10.0.0.255", r.String())

	r, err = Parse("10.0.1.5 - 10.0.1.9")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.1.5"), r.Start)
	assert.Equal(t, netip.MustParseAddr("10.0.1.9"), r.End)

	r, err = Parse("fd00::1")
	require.NoError(t, err)
	assert.Equal(t, "fd00::1", r.String())

	r, err = Parse("fd00::/120")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("fd00::ff"), r.End)
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "10.0.0.9-10.0.0.1", "10.0.0.1-fd00::1", "nope", "10.0.0.0/40"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrBadRange, in)
	}
}

func TestFromPrefixUnmaps(t *testing.T) {
	r := FromPrefix(netip.MustParsePrefix("::ffff:10.1.0.0/112"))
	assert.Equal(t, "10.1.0.0-10.1.255.255", r.String())
}

func TestNormalizeMergesOverlappingAndAdjacent(t *testing.T) {
	l, err := ParseList([]string{"10.0.0.20-10.0.0.30", "10.0.0.1-10.0.0.10", "10.0.0.11-10.0.0.12", "10.0.0.25-10.0.0.40", "fd00::1"})
	require.NoError(t, err)
	assert.Equal(t, "[10.0.0.1-10.0.0.12, 10.0.0.20-10.0.0.40, fd00::1]", l.String())
}

func TestNormalizeDropsInvalid(t *testing.T) {
	l := List{{}, Single(netip.MustParseAddr("10.0.0.1"))}.Normalize()
	require.Len(t, l, 1)
	assert.NoError(t, l.Validate())
	assert.Error(t, List{{}}.Validate())
}

func TestListContains(t *testing.T) {
	l, err := ParseList([]string{"10.0.0.10-10.0.0.20", "10.0.0.50-10.0.0.60", "fd00::/64"})
	require.NoError(t, err)
	assert.True(t, l.Contains(netip.MustParseAddr("10.0.0.15")))
	assert.True(t, l.Contains(netip.MustParseAddr("10.0.0.60")))
	assert.False(t, l.Contains(netip.MustParseAddr("10.0.0.25")))
	assert.False(t, l.Contains(netip.MustParseAddr("10.0.0.61")))
	assert.True(t, l.Contains(netip.MustParseAddr("fd00::abcd")))
	assert.False(t, l.Contains(netip.MustParseAddr("fd01::1")))
	assert.True(t, l.Contains(netip.MustParseAddr("::ffff:10.0.0.12")))
}

func TestListOverlaps(t *testing.T) {
	l, err := ParseList([]string{"10.0.0.10-10.0.0.20", "10.0.0.50-10.0.0.60", "fd00::/64"})
	require.NoError(t, err)
	r := func(s string) Range {
		out, err := Parse(s)
		require.NoError(t, err)
		return out
	}
	assert.True(t, l.Overlaps(r("10.0.0.0-10.0.0.10")))
	assert.True(t, l.Overlaps(r("10.0.0.21-10.0.0.50")))
	assert.True(t, l.Overlaps(r("10.0.0.1-10.0.0.99")))
	assert.False(t, l.Overlaps(r("10.0.0.21-10.0.0.49")))
	assert.False(t, l.Overlaps(r("10.0.0.61")))
	assert.True(t, l.Overlaps(r("fd00::5")))
	assert.False(t, l.Overlaps(r("fd01::5")))
}

func TestClip(t *testing.T) {
	a := New(netip.MustParseAddr("10.0.0.10"), netip.MustParseAddr("10.0.0.20"))
	w := New(netip.MustParseAddr("10.0.0.15"), netip.MustParseAddr("10.0.0.30"))
	c, ok := a.Clip(w)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.15-10.0.0.20", c.String())

	_, ok = a.Clip(Single(netip.MustParseAddr("10.0.0.21")))
	assert.False(t, ok)
	_, ok = a.Clip(Single(netip.MustParseAddr("fd00::1")))
	assert.False(t, ok)
}
