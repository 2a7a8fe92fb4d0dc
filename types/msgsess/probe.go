package msgsess

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/edup2p/gamelink/types/bin"
	"github.com/edup2p/gamelink/types/key"
)

// Probe is sent along one candidate pair to test whether it passes traffic.
type Probe struct {
	Session key.SessionID
	TxID    key.TxID
}

func (p *Probe) SessionID() key.SessionID { return p.Session }

func (p *Probe) MarshalSessionMessage() []byte {
	return slices.Concat(header(ProbeMessage, p.Session), p.TxID[:])
}

func (p *Probe) Debug() string {
	return fmt.Sprintf("probe sess=%s tx=%x", p.Session.Debug(), p.TxID)
}

// ProbeAck answers a Probe, reporting the address the probe arrived from.
type ProbeAck struct {
	Session key.SessionID
	TxID    key.TxID

	Src netip.AddrPort // 18 bytes (16+2) on the wire; v4-mapped ipv6 for IPv4
}

func (p *ProbeAck) SessionID() key.SessionID { return p.Session }

func (p *ProbeAck) MarshalSessionMessage() []byte {
	return slices.Concat(header(ProbeAckMessage, p.Session), p.TxID[:], bin.PutAddrPort(p.Src))
}

func (p *ProbeAck) Debug() string {
	return fmt.Sprintf("probe-ack sess=%s tx=%x src=%s", p.Session.Debug(), p.TxID, p.Src)
}
