package network

import (
	"context"
	"errors"
	"net/netip"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// Send delivers data to peer as a single datagram, reusing the pooled
// connection and dialing with backoff when there is none. Datagrams that
// exceed the path limit fail without retry.
func (t *Transport) Send(ctx context.Context, peer netip.AddrPort, data []byte) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if t.ctx.Err() != nil {
			return ErrClosed
		}
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}
		conn, fresh, err := t.pool.get(ctx, peer)
		if err != nil {
			lastErr = err
			t.log.Debug("quic dial failed", zap.Stringer("peer", peer), zap.Int("attempt", attempt), zap.Error(err))
			if !backoffRetry(ctx, t.pool.recordFailure(peer)) {
				break
			}
			continue
		}
		if fresh {
			t.log.Debug("quic conn established", zap.Stringer("peer", peer))
			t.receive(peer, conn, false)
		}
		if err := conn.SendDatagram(data); err != nil {
			lastErr = err
			var tooLarge *quic.DatagramTooLargeError
			if errors.As(err, &tooLarge) {
				return err
			}
			t.pool.drop(peer, conn, "send failed")
			if !backoffRetry(ctx, t.pool.recordFailure(peer)) {
				break
			}
			continue
		}
		t.pool.touch(peer, conn)
		t.pool.resetFailures(peer)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return lastErr
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Forget closes the pooled connection to peer, if any. The next Send dials
// afresh.
func (t *Transport) Forget(peer netip.AddrPort) {
	if t.pool.release(peer, "peer removed") {
		t.log.Debug("connection released", zap.Stringer("peer", peer))
	}
}
