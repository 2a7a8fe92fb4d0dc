package peer

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/gamelink/peer/punch"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"go.uber.org/multierr"
)

// route is a way to reach a remote: straight out of the external socket, or wrapped through our relay allocation.
type route struct {
	addr    netip.AddrPort
	relayed bool
}

func (r route) String() string {
	if r.relayed {
		return fmt.Sprintf("relay:%s", r.addr)
	}
	return r.addr.String()
}

type phase byte

const (
	// joining side
	phaseGathering phase = iota
	phaseNegotiating
	phaseAwaitRelay
	phaseBinding

	// hosting side
	phaseAnswering

	phaseEstablished
	phaseEnded
)

func (p phase) String() string {
	switch p {
	case phaseGathering:
		return "gathering"
	case phaseNegotiating:
		return "negotiating"
	case phaseAwaitRelay:
		return "awaiting-relay"
	case phaseBinding:
		return "binding"
	case phaseAnswering:
		return "answering"
	case phaseEstablished:
		return "established"
	case phaseEnded:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", byte(p))
	}
}

type session struct {
	id      key.SessionID
	hosting bool
	remote  netip.AddrPort
	phase   phase

	signal route
	data   route

	neg      *punch.Negotiator
	connType types.ConnectionType

	bridge4    *bridge
	bridge6    *bridge
	lastBridge *bridge

	bindType     types.ConnectionType
	bindAttempts int
	bindResendAt time.Time
}

func (s *session) bridges() []*bridge {
	var bs []*bridge
	if s.bridge4 != nil {
		bs = append(bs, s.bridge4)
	}
	if s.bridge6 != nil {
		bs = append(bs, s.bridge6)
	}
	return bs
}

// usesRelay reports whether any of the session's routes goes through our relay allocation.
func (s *session) usesRelay() bool {
	return s.signal.relayed || s.data.relayed || s.phase == phaseAwaitRelay
}

// toGame delivers a packet from the remote to the local game transport.
func (s *session) toGame(pkt []byte) error {
	br := s.bridge4
	if !s.hosting && s.lastBridge != nil {
		br = s.lastBridge
	}
	if br == nil {
		return nil
	}

	return br.toGame(pkt)
}

func (s *session) closeBridges() error {
	var err error
	for _, br := range s.bridges() {
		err = multierr.Append(err, br.close())
	}
	return err
}

// SessionInfo is a snapshot of one session, for status output.
type SessionInfo struct {
	ID      key.SessionID
	Hosting bool
	Remote  netip.AddrPort
	Phase   string

	Route   netip.AddrPort
	Relayed bool
	Type    types.ConnectionType

	BridgeV4 netip.AddrPort
	BridgeV6 gonull.Nullable[netip.AddrPort]
}

func (s *session) info() SessionInfo {
	si := SessionInfo{
		ID:      s.id,
		Hosting: s.hosting,
		Remote:  s.remote,
		Phase:   s.phase.String(),
		Route:   s.data.addr,
		Relayed: s.data.relayed,
		Type:    s.connType,
	}

	if s.bridge4 != nil {
		si.BridgeV4 = s.bridge4.local
	}
	if s.bridge6 != nil {
		si.BridgeV6 = gonull.NewNullable(s.bridge6.local)
	}

	return si
}
