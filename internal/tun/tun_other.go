//go:build !linux

package tun

func Open(name string) (Device, error) {
	return nil, ErrUnsupported
}
