package daemon

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshvpn/internal/crypto"
	"meshvpn/internal/engine"
	"meshvpn/internal/metrics"
	"meshvpn/internal/msgbuf"
	"meshvpn/internal/ranges"
	"meshvpn/internal/table"
	"meshvpn/internal/tun"
)

var (
	peerA   = netip.MustParseAddrPort("192.0.2.1:7000")
	peerB   = netip.MustParseAddrPort("192.0.2.2:7000")
	localIP = netip.MustParseAddr("10.1.0.1")
	testPSK = bytes.Repeat([]byte{7}, 32)
)

type sentFrame struct {
	peer netip.AddrPort
	data []byte
}

type fakeTransport struct {
	sent      chan sentFrame
	fail      error
	forgotten []netip.AddrPort
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan sentFrame, 64)}
}

func (f *fakeTransport) Send(_ context.Context, peer netip.AddrPort, data []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent <- sentFrame{peer: peer, data: append([]byte(nil), data...)}
	return nil
}

func (f *fakeTransport) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) LocalAddr() netip.AddrPort { return netip.MustParseAddrPort("127.0.0.1:7000") }

func (f *fakeTransport) Forget(peer netip.AddrPort) { f.forgotten = append(f.forgotten, peer) }

func (f *fakeTransport) Close() error { return nil }

func ipv4Packet(t *testing.T, src, dst string, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 4000, DstPort: 5000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func psk(t *testing.T) *crypto.Core {
	t.Helper()
	c, err := crypto.NewCoreFromPSK(testPSK)
	require.NoError(t, err)
	return c
}

type fixture struct {
	fwd  Forwarder
	tr   *fakeTransport
	dev  *tun.Pipe
	tbl  engine.SharedTable
	pc   engine.SharedPeerCrypto
	traf engine.SharedTraffic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tr:   newFakeTransport(),
		dev:  tun.NewPipe("test0", 16),
		tbl:  engine.NewSharedTable(table.New(table.Options{})),
		pc:   engine.NewSharedPeerCrypto(),
		traf: engine.NewSharedTraffic(metrics.NewTraffic()),
	}
	f.fwd = NewForwarder(f.tbl, f.pc, f.traf, f.tr, f.dev)
	f.tbl.SetClaims(peerA, ranges.List{ranges.FromPrefix(netip.MustParsePrefix("10.2.0.0/24"))})
	f.pc.Register(peerA, psk(t))
	return f
}

func TestOutboundEncryptsAndCounts(t *testing.T) {
	f := newFixture(t)
	pkt := ipv4Packet(t, "10.1.0.1", "10.2.0.9", []byte("hello"))

	require.NoError(t, f.fwd.Outbound(context.Background(), pkt))
	sent := <-f.tr.sent
	assert.Equal(t, peerA, sent.peer)
	assert.Len(t, sent.data, len(pkt)+crypto.Overhead)

	buf := msgbuf.From(sent.data)
	require.NoError(t, psk(t).Decrypt(buf))
	assert.Equal(t, pkt, buf.Bytes())

	snap := f.traf.Snapshot()
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, uint64(len(pkt)+crypto.Overhead), snap.Peers[0].Out.Bytes)
	require.Len(t, snap.Payload, 1)
	assert.Equal(t, netip.MustParseAddr("10.2.0.9"), snap.Payload[0].Remote)
	assert.Equal(t, localIP, snap.Payload[0].Local)
	assert.Equal(t, uint64(len(pkt)), snap.Payload[0].Out.Bytes)
	assert.Zero(t, snap.Dropped.Packets)
}

func TestOutboundDrops(t *testing.T) {
	f := newFixture(t)

	err := f.fwd.Outbound(context.Background(), ipv4Packet(t, "10.1.0.1", "10.9.0.1", nil))
	assert.ErrorIs(t, err, ErrNoRoute)

	err = f.fwd.Outbound(context.Background(), []byte{0x12, 0x34})
	assert.ErrorIs(t, err, ErrMalformed)

	f.tbl.SetClaims(peerB, ranges.List{ranges.Single(netip.MustParseAddr("10.3.0.1"))})
	err = f.fwd.Outbound(context.Background(), ipv4Packet(t, "10.1.0.1", "10.3.0.1", nil))
	assert.ErrorIs(t, err, engine.ErrNoCryptoSession)

	f.tr.fail = errors.New("link down")
	err = f.fwd.Outbound(context.Background(), ipv4Packet(t, "10.1.0.1", "10.2.0.1", nil))
	assert.ErrorContains(t, err, "link down")

	snap := f.traf.Snapshot()
	assert.Equal(t, uint64(4), snap.Dropped.Packets)
	assert.Empty(t, snap.Peers)
}

func TestOutboundPlaintextPeer(t *testing.T) {
	f := newFixture(t)
	f.pc.Register(peerA, nil)
	pkt := ipv4Packet(t, "10.1.0.1", "10.2.0.9", []byte("clear"))
	require.NoError(t, f.fwd.Outbound(context.Background(), pkt))
	assert.Equal(t, pkt, (<-f.tr.sent).data)
}

func TestInboundDeliversAndLearns(t *testing.T) {
	f := newFixture(t)
	f.pc.Register(peerB, psk(t))
	pkt := ipv4Packet(t, "10.5.0.3", "10.1.0.1", []byte("reply"))
	buf := msgbuf.From(pkt)
	require.NoError(t, psk(t).Encrypt(buf))

	require.NoError(t, f.fwd.Inbound(peerB, buf.Bytes()))
	assert.Equal(t, pkt, <-f.dev.Delivered())

	owner, ok := f.tbl.Lookup(netip.MustParseAddr("10.5.0.3"))
	require.True(t, ok)
	assert.Equal(t, peerB, owner)

	snap := f.traf.Snapshot()
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, uint64(buf.Len()), snap.Peers[0].In.Bytes)
	require.Len(t, snap.Payload, 1)
	assert.Equal(t, uint64(len(pkt)), snap.Payload[0].In.Bytes)
}

func TestInboundRejects(t *testing.T) {
	f := newFixture(t)
	pkt := ipv4Packet(t, "10.2.0.5", "10.1.0.1", nil)

	err := f.fwd.Inbound(peerB, pkt)
	assert.ErrorIs(t, err, engine.ErrNoCryptoSession)

	err = f.fwd.Inbound(peerA, pkt)
	assert.ErrorIs(t, err, crypto.ErrDecrypt)

	f.pc.Register(peerB, nil)
	err = f.fwd.Inbound(peerB, []byte("junk"))
	assert.ErrorIs(t, err, ErrMalformed)

	// 10.2.0.5 belongs to peerA.
	err = f.fwd.Inbound(peerB, pkt)
	assert.ErrorIs(t, err, ErrSpoofed)

	snap := f.traf.Snapshot()
	assert.Equal(t, uint64(3), snap.InvalidProtocol.Packets)
	assert.Equal(t, uint64(1), snap.Dropped.Packets)
	assert.Empty(t, f.dev.Delivered())
}

func TestInboundLearnedAddressMovesToNewPeer(t *testing.T) {
	f := newFixture(t)
	f.pc.Register(peerA, nil)
	f.pc.Register(peerB, nil)
	roamer := netip.MustParseAddr("10.9.9.9")
	pkt := ipv4Packet(t, roamer.String(), "10.1.0.1", []byte("hi"))

	require.NoError(t, f.fwd.Inbound(peerA, pkt))
	owner, ok := f.tbl.Lookup(roamer)
	require.True(t, ok)
	assert.Equal(t, peerA, owner)

	require.NoError(t, f.fwd.Inbound(peerB, pkt))
	owner, ok = f.tbl.Lookup(roamer)
	require.True(t, ok)
	assert.Equal(t, peerB, owner)
	assert.Len(t, f.dev.Delivered(), 2)
	assert.Zero(t, f.traf.Snapshot().Dropped.Packets)
}

func TestInboxDropsWhenFull(t *testing.T) {
	traf := engine.NewSharedTraffic(metrics.NewTraffic())
	in := NewInbox(1, traf)
	in.Push(peerA, []byte("one"))
	in.Push(peerA, []byte("two!"))
	assert.Equal(t, 1, in.Len())
	snap := traf.Snapshot()
	assert.Equal(t, uint64(1), snap.Dropped.Packets)
	assert.Equal(t, uint64(4), snap.Dropped.Bytes)
}
