package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"meshvpn/internal/engine"
	"meshvpn/internal/msgbuf"
	"meshvpn/internal/packet"
)

var (
	ErrNoRoute   = errors.New("no route")
	ErrMalformed = errors.New("malformed packet")
	ErrSpoofed   = errors.New("source claimed by another peer")
)

// Sender puts one protocol frame on the wire.
type Sender interface {
	Send(ctx context.Context, peer netip.AddrPort, data []byte) error
}

// Forwarder moves one packet at a time between the tunnel device and the
// wire. It is a value type; Clone it per worker.
type Forwarder struct {
	Table   engine.SharedTable
	Crypto  engine.SharedPeerCrypto
	Traffic engine.SharedTraffic
	send    Sender
	deliver io.Writer
}

func NewForwarder(tbl engine.SharedTable, pc engine.SharedPeerCrypto, tr engine.SharedTraffic, send Sender, deliver io.Writer) Forwarder {
	return Forwarder{
		Table:   tbl,
		Crypto:  pc,
		Traffic: tr,
		send:    send,
		deliver: deliver,
	}
}

func (f Forwarder) Clone() Forwarder {
	f.Table = f.Table.Clone()
	f.Crypto = f.Crypto.Clone()
	f.Traffic = f.Traffic.Clone()
	return f
}

// Outbound routes a packet read from the tunnel device to the peer owning
// its destination. Every failure after parsing counts the packet as dropped
// payload.
func (f Forwarder) Outbound(ctx context.Context, pkt []byte) error {
	src, dst, err := packet.Endpoints(pkt)
	if err != nil {
		f.Traffic.CountDroppedPayload(len(pkt))
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	peer, ok := f.Table.Lookup(dst)
	if !ok {
		f.Traffic.CountDroppedPayload(len(pkt))
		return fmt.Errorf("%w to %s", ErrNoRoute, dst)
	}
	f.Traffic.CountOutPayload(dst, src, len(pkt))
	buf := msgbuf.From(pkt)
	if err := f.Crypto.EncryptFor(peer, buf); err != nil {
		f.Traffic.CountDroppedPayload(len(pkt))
		return err
	}
	if err := f.send.Send(ctx, peer, buf.Bytes()); err != nil {
		f.Traffic.CountDroppedPayload(len(pkt))
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	f.Traffic.CountOutTraffic(peer, buf.Len())
	return nil
}

// Inbound handles one frame received from peer. Frames that fail to decrypt
// or parse count as invalid protocol; a good packet teaches the table that
// its source lives behind from.
func (f Forwarder) Inbound(from netip.AddrPort, frame []byte) error {
	buf := msgbuf.From(frame)
	if err := f.Crypto.DecryptFrom(from, buf); err != nil {
		f.Traffic.CountInvalidProtocol(len(frame))
		return err
	}
	pkt := buf.Bytes()
	src, dst, err := packet.Endpoints(pkt)
	if err != nil {
		f.Traffic.CountInvalidProtocol(len(frame))
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	f.Traffic.CountInTraffic(from, len(frame))
	// Only claims are authoritative; a learned address may move to another
	// peer.
	if owner, ok := f.Table.Claimant(src); ok && owner != from {
		f.Traffic.CountDroppedPayload(len(pkt))
		return fmt.Errorf("%w: %s via %s, owner %s", ErrSpoofed, src, from, owner)
	}
	f.Table.Cache(src, from)
	f.Traffic.CountInPayload(src, dst, len(pkt))
	if _, err := f.deliver.Write(pkt); err != nil {
		f.Traffic.CountDroppedPayload(len(pkt))
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}
