package types

import (
	"net"
	"net/netip"
	"time"
)

// UDPConn is the socket surface the peer and its helpers need, satisfied by *net.UDPConn.
type UDPConn interface {
	SetReadDeadline(t time.Time) error

	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)

	Write(b []byte) (int, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)

	LocalAddr() net.Addr

	Close() error
}

var _ UDPConn = (*net.UDPConn)(nil)

// LocalAddrPort returns the bound address of the connection, or an invalid AddrPort if it isn't a UDP address.
func LocalAddrPort(c UDPConn) netip.AddrPort {
	ua, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}

	return NormaliseAddrPort(ua.AddrPort())
}
