// Package bin holds small fixed-width binary codecs shared by the wire formats.
package bin

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"slices"
)

// AddrPortLen is the wire size of an addrport: a 16-byte (v4-mapped for IPv4) address plus a 2-byte port.
const AddrPortLen = 18

var ErrMalformedAddrPorts = errors.New("malformed addrport list")

func ParseAddrPort(b [AddrPortLen]byte) netip.AddrPort {
	addr := netip.AddrFrom16([16]byte(b[:16])).Unmap()

	port := binary.BigEndian.Uint16(b[16:])

	return netip.AddrPortFrom(addr, port)
}

func PutAddrPort(ap netip.AddrPort) []byte {
	port := make([]byte, 2)

	as16 := ap.Addr().As16()
	binary.BigEndian.PutUint16(port, ap.Port())

	return slices.Concat(as16[:], port[:])
}

// AppendAddrPorts appends a count-prefixed list of addrports to b.
func AppendAddrPorts(b []byte, aps []netip.AddrPort) []byte {
	b = append(b, byte(len(aps)))

	for _, ap := range aps {
		b = append(b, PutAddrPort(ap)...)
	}

	return b
}

// ParseAddrPorts reads a list written by AppendAddrPorts, and returns the remaining bytes.
func ParseAddrPorts(b []byte) ([]netip.AddrPort, []byte, error) {
	if len(b) < 1 {
		return nil, nil, ErrMalformedAddrPorts
	}

	n := int(b[0])
	b = b[1:]

	if len(b) < n*AddrPortLen {
		return nil, nil, ErrMalformedAddrPorts
	}

	aps := make([]netip.AddrPort, 0, n)
	for i := 0; i < n; i++ {
		aps = append(aps, ParseAddrPort([AddrPortLen]byte(b[:AddrPortLen])))
		b = b[AddrPortLen:]
	}

	return aps, b, nil
}
