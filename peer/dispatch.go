package peer

import (
	"errors"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/msgsess"
	"github.com/edup2p/gamelink/types/relay"
	"github.com/edup2p/gamelink/types/stun"
	pstun "github.com/pion/stun"
)

func (p *Peer) dispatch(now time.Time, f frame) {
	switch {
	case f.br != nil:
		p.fromBridge(f)
	case f.src == p.server && stun.Is(f.pkt):
		p.fromServer(now, f.pkt)
	default:
		p.fromRoute(now, route{addr: f.src}, f.pkt)
	}
}

// fromServer handles relay protocol traffic and binding responses.
func (p *Peer) fromServer(now time.Time, pkt []byte) {
	m, err := relay.Parse(pkt)

	switch {
	case err == nil && m.Method == pstun.MethodData && m.Class == pstun.ClassIndication:
		p.fromRoute(now, route{addr: types.NormaliseAddrPort(m.Peer), relayed: true}, m.Data)
	case err == nil:
		if p.relay != nil {
			p.handleRelayEvent(now, p.relay.Handle(now, m))
		}
	case errors.Is(err, relay.ErrNotRelayMessage):
		tx, mapped, err := stun.ParseResponse(pkt)
		if err != nil {
			p.l.Debug("dropping unexpected stun packet from server", "err", err)
			return
		}

		if p.gather != nil && p.gather.HandleBinding(tx, mapped) {
			p.onGathered(now)
		}
	default:
		p.l.Debug("dropping malformed packet from server", "err", err)
	}
}

// fromRoute handles everything a remote sent us, directly or through the relay.
func (p *Peer) fromRoute(now time.Time, r route, pkt []byte) {
	if msgsess.LooksLikeSessionWireMessage(pkt) {
		m, err := msgsess.ParseSessionMessage(pkt)
		if err != nil {
			p.l.Debug("dropping malformed session message", "route", r, "err", err)
			return
		}

		if p.ended.Contains(m.SessionID()) {
			p.l.Log(p.ctx, types.LevelTrace, "dropping message for ended session", "route", r, "msg", m.Debug())
			return
		}

		p.l.Log(p.ctx, types.LevelTrace, "session message", "route", r, "msg", m.Debug())

		p.handleSessionMessage(now, r, m)
		return
	}

	s, ok := p.byRoute[r]
	if !ok {
		p.l.Log(p.ctx, types.LevelTrace, "dropping packet from unknown route", "route", r, "len", len(pkt))
		return
	}

	if err := s.toGame(pkt); err != nil {
		p.l.Debug("could not deliver to game", "session", s.id.Debug(), "err", err)
	}
}

func (p *Peer) handleSessionMessage(now time.Time, r route, m msgsess.SessionMessage) {
	switch m := m.(type) {
	case *msgsess.Offer:
		p.handleOffer(now, r, m)
	case *msgsess.Answer:
		p.handleAnswer(now, m)
	case *msgsess.Probe:
		p.handleProbe(r, m)
	case *msgsess.ProbeAck:
		p.handleProbeAck(now, r, m)
	case *msgsess.Bind:
		p.handleBind(r, m)
	case *msgsess.BindAck:
		p.handleBindAck(m)
	case *msgsess.Bye:
		if s, ok := p.sessions[m.Session]; ok {
			_ = p.endSession(s, "ended by remote", false)
		}
	}
}

func (p *Peer) handleProbe(r route, m *msgsess.Probe) {
	if _, ok := p.sessions[m.Session]; !ok {
		return
	}

	p.reply(r, &msgsess.ProbeAck{Session: m.Session, TxID: m.TxID, Src: r.addr})
}

func (p *Peer) handleProbeAck(now time.Time, r route, m *msgsess.ProbeAck) {
	s, ok := p.sessions[m.Session]
	if !ok || s.neg == nil || r.relayed {
		return
	}

	s.neg.HandleProbeAck(now, r.addr, m)

	if !s.hosting {
		p.checkNegotiation(now, s)
	}
}

// fromBridge forwards game traffic towards the remote.
func (p *Peer) fromBridge(f frame) {
	br := f.br
	if br.closed {
		return
	}

	s := br.sess

	if !s.hosting {
		br.game = f.src
		s.lastBridge = br

		if s.phase != phaseEstablished {
			p.l.Log(p.ctx, types.LevelTrace, "dropping game packet, no route yet", "session", s.id.Debug())
			return
		}
	}

	if err := p.sendVia(s.data, f.pkt); err != nil {
		p.l.Debug("could not forward game packet", "session", s.id.Debug(), "route", s.data, "err", err)
	}
}
