package engine

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrNoCryptoSession matches every CryptoStateError.
var ErrNoCryptoSession = errors.New("no crypto session for peer")

// CryptoStateError is returned when a peer has no crypto entry at all. The
// caller must not transmit the buffer.
type CryptoStateError struct {
	Peer netip.AddrPort
}

func (e *CryptoStateError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNoCryptoSession, e.Peer)
}

func (e *CryptoStateError) Is(target error) bool {
	return target == ErrNoCryptoSession
}
