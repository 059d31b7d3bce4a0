package daemon

import (
	"context"
	"encoding/hex"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshvpn/internal/config"
	"meshvpn/internal/ranges"
	"meshvpn/internal/tun"
)

func buildNode(t *testing.T) (*Runner, *tun.Pipe) {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Workers = 2
	dev := tun.NewPipe("mesh-test", 16)
	r, err := Build(cfg, dev)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Errorf("node did not stop")
		}
	})
	<-r.Ready()
	return r, dev
}

func TestTwoNodesOverQUIC(t *testing.T) {
	a, devA := buildNode(t)
	b, devB := buildNode(t)
	key, err := hex.DecodeString("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	require.NoError(t, a.AddPeer(config.ResolvedPeer{
		Endpoint: b.LocalAddr(),
		Claims:   ranges.List{ranges.FromPrefix(netip.MustParsePrefix("10.2.0.0/24"))},
		PSK:      key,
	}))
	require.NoError(t, b.AddPeer(config.ResolvedPeer{
		Endpoint: a.LocalAddr(),
		PSK:      key,
	}))

	pkt := ipv4Packet(t, "10.1.0.1", "10.2.0.7", []byte("across the mesh"))
	require.NoError(t, devA.Inject(pkt))
	select {
	case got := <-devB.Delivered():
		require.Equal(t, pkt, got)
	case <-time.After(10 * time.Second):
		t.Fatalf("packet never reached b")
	}

	// b learned 10.1.0.1 from the packet and can answer without a claim.
	owner, ok := b.Forwarder().Table.Lookup(netip.MustParseAddr("10.1.0.1"))
	require.True(t, ok)
	require.Equal(t, a.LocalAddr(), owner)

	reply := ipv4Packet(t, "10.2.0.7", "10.1.0.1", []byte("and back"))
	require.NoError(t, devB.Inject(reply))
	select {
	case got := <-devA.Delivered():
		require.Equal(t, reply, got)
	case <-time.After(10 * time.Second):
		t.Fatalf("reply never reached a")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 0
	_, err := Build(cfg, tun.NewPipe("x", 1))
	require.ErrorIs(t, err, config.ErrInvalid)
}
