package ifaces

import (
	"net/netip"

	"github.com/edup2p/gamelink/types/msgsess"
)

// PacketSender writes raw packets onto the external socket.
type PacketSender interface {
	WriteTo(pkt []byte, to netip.AddrPort) error
}

// Signaler delivers session control messages to the remote side, over whatever route is current for it.
type Signaler interface {
	SendSignal(msg msgsess.SessionMessage) error
}

// PacketSenderFunc adapts a function into a PacketSender.
type PacketSenderFunc func(pkt []byte, to netip.AddrPort) error

func (f PacketSenderFunc) WriteTo(pkt []byte, to netip.AddrPort) error {
	return f(pkt, to)
}

// SignalerFunc adapts a function into a Signaler.
type SignalerFunc func(msg msgsess.SessionMessage) error

func (f SignalerFunc) SendSignal(msg msgsess.SessionMessage) error {
	return f(msg)
}
