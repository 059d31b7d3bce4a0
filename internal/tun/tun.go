// Package tun opens the layer-3 tunnel device packets enter and leave the
// overlay through.
package tun

import (
	"errors"
	"io"
)

// ErrUnsupported is returned by Open on platforms without a TUN driver.
var ErrUnsupported = errors.New("tun: not supported on this platform")

// Device reads and writes one IP packet per call. Close unblocks a pending
// Read.
type Device interface {
	io.ReadWriteCloser
	Name() string
}
