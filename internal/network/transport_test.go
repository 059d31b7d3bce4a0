package network

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

type datagram struct {
	from    netip.AddrPort
	payload []byte
}

func startTransport(t *testing.T) (*Transport, <-chan datagram) {
	t.Helper()
	got := make(chan datagram, 16)
	tr, err := Listen("127.0.0.1:0", Options{}, func(from netip.AddrPort, payload []byte) {
		got <- datagram{from: from, payload: payload}
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
		_ = tr.Close()
	})
	return tr, got
}

func waitDatagram(t *testing.T, ch <-chan datagram) datagram {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for datagram")
		return datagram{}
	}
}

func TestSendBothWaysOverOneSocket(t *testing.T) {
	a, gotA := startTransport(t)
	b, gotB := startTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Send(ctx, b.LocalAddr(), []byte("ping")); err != nil {
		t.Fatalf("send a->b: %v", err)
	}
	d := waitDatagram(t, gotB)
	if string(d.payload) != "ping" {
		t.Fatalf("unexpected payload %q", d.payload)
	}
	if d.from != a.LocalAddr() {
		t.Fatalf("expected sender %s, got %s", a.LocalAddr(), d.from)
	}

	// The reply rides the connection a opened.
	if err := b.Send(ctx, d.from, []byte("pong")); err != nil {
		t.Fatalf("send b->a: %v", err)
	}
	d = waitDatagram(t, gotA)
	if string(d.payload) != "pong" || d.from != b.LocalAddr() {
		t.Fatalf("unexpected reply %q from %s", d.payload, d.from)
	}
	if n := b.pool.size(); n != 1 {
		t.Fatalf("expected b to reuse the accepted conn, pool size %d", n)
	}
}

func TestForgetClosesPooledConn(t *testing.T) {
	a, _ := startTransport(t)
	b, gotB := startTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Send(ctx, b.LocalAddr(), []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitDatagram(t, gotB)
	if n := a.pool.size(); n != 1 {
		t.Fatalf("expected one pooled conn, got %d", n)
	}

	a.Forget(b.LocalAddr())
	if n := a.pool.size(); n != 0 {
		t.Fatalf("expected empty pool after Forget, got %d", n)
	}
	a.Forget(b.LocalAddr())

	if err := a.Send(ctx, b.LocalAddr(), []byte("two")); err != nil {
		t.Fatalf("send after forget: %v", err)
	}
	if d := waitDatagram(t, gotB); string(d.payload) != "two" {
		t.Fatalf("unexpected payload %q", d.payload)
	}
}

func TestSendAfterClose(t *testing.T) {
	tr, err := Listen("127.0.0.1:0", Options{}, func(netip.AddrPort, []byte) {})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err = tr.Send(context.Background(), netip.MustParseAddrPort("127.0.0.1:9"), []byte("x"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestListenRejectsNilHandler(t *testing.T) {
	if _, err := Listen("127.0.0.1:0", Options{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
