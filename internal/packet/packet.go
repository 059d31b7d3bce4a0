// Package packet reads the addresses out of raw IP packets coming from the
// tunnel device or off the wire.
package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	ErrEmpty      = errors.New("packet: empty")
	ErrBadVersion = errors.New("packet: not an IPv4 or IPv6 packet")
)

// Version returns the IP version nibble of data, or 0 if data is empty.
func Version(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return int(data[0] >> 4)
}

// Endpoints returns the source and destination address of an IP packet.
// Both are unmapped.
func Endpoints(data []byte) (src, dst netip.Addr, err error) {
	switch Version(data) {
	case 0:
		if len(data) == 0 {
			return src, dst, ErrEmpty
		}
		return src, dst, ErrBadVersion
	case 4:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return src, dst, fmt.Errorf("packet: ipv4: %w", err)
		}
		return toAddr(ip.SrcIP), toAddr(ip.DstIP), nil
	case 6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return src, dst, fmt.Errorf("packet: ipv6: %w", err)
		}
		return toAddr(ip.SrcIP), toAddr(ip.DstIP), nil
	default:
		return src, dst, ErrBadVersion
	}
}

// Destination is Endpoints without the source.
func Destination(data []byte) (netip.Addr, error) {
	_, dst, err := Endpoints(data)
	return dst, err
}

func toAddr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}
