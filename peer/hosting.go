package peer

import (
	"net/netip"
	"time"

	"github.com/edup2p/gamelink/peer/punch"
	"github.com/edup2p/gamelink/peer/relaysess"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/msgsess"
)

// InitializeHosting starts accepting sessions, bridging their game traffic to the game server on localPort.
//
// onPrepared is called once, with the endpoint joining peers should be handed: our own public address
// if this host is reachable without NAT, and our relay allocation otherwise.
func (p *Peer) InitializeHosting(localPort uint16, onPrepared func(addr string, port uint16)) {
	if p.disposed {
		return
	}
	defer p.flush()

	if p.hosting {
		p.l.Warn("already hosting")
		return
	}

	now := p.clock.Now()

	p.hosting = true
	p.hostPort = localPort
	p.hostPrepared = false
	p.onServerPrepared = onPrepared

	p.l.Info("hosting", "game-port", localPort, "relay-only", p.cfg.ForceRelayOnly)

	if !p.cfg.ForceRelayOnly {
		p.ensureGather(now)
	}
	p.ensureRelay(now)

	p.maybeServerPrepared()
}

func (p *Peer) maybeServerPrepared() {
	if !p.hosting || p.hostPrepared {
		return
	}

	if !p.cfg.ForceRelayOnly && p.gather != nil && p.gather.Done() && p.gather.PubliclyReachable() {
		srflx, _ := p.gather.ServerReflexive()

		p.hostPrepared = true
		p.emit(ServerPrepared{Endpoint: srflx})
		return
	}

	gathered := p.gather == nil || p.gather.Done()

	if gathered && p.relay != nil && p.relay.State() == relaysess.StateAllocated {
		p.hostPrepared = true
		p.emit(ServerPrepared{Endpoint: p.relay.Relayed(), Relayed: true})
	}
}

func (p *Peer) gameServer() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), p.hostPort)
}

func (p *Peer) hostCandidates() []types.Candidate {
	if p.cfg.ForceRelayOnly || p.gather == nil {
		return nil
	}
	return p.gather.Candidates()
}

// hostSession returns the hosting session for id, creating it if it is new.
func (p *Peer) hostSession(id key.SessionID, r route) *session {
	if s, ok := p.sessions[id]; ok {
		return s
	}

	if !p.hosting {
		p.l.Debug("not hosting, ignoring session", "session", id.Debug(), "route", r)
		return nil
	}

	s := &session{
		id:      id,
		hosting: true,
		remote:  r.addr,
		phase:   phaseAnswering,
		signal:  r,
		data:    r,
	}

	br, err := p.openBridge(s, netip.AddrFrom4([4]byte{127, 0, 0, 1}), p.gameServer())
	if err != nil {
		p.l.Error("could not accept session", "session", id.Debug(), "err", err)
		return nil
	}
	s.bridge4 = br

	p.register(s)

	p.l.Info("accepted session", "session", id.Debug(), "route", r, "bridge", br.local)

	return s
}

func (p *Peer) handleOffer(now time.Time, r route, m *msgsess.Offer) {
	if s, ok := p.sessions[m.Session]; ok {
		// retransmission, our answer got lost
		if s.hosting && s.neg != nil {
			s.neg.Reanswer()
		}
		return
	}

	s := p.hostSession(m.Session, r)
	if s == nil {
		return
	}

	s.neg = punch.New(punch.Options{
		Session:       s.id,
		Local:         p.hostCandidates(),
		Timeout:       p.cfg.RequestTimeout,
		ProbeInterval: p.opts.ProbeInterval,
		Signaler:      p.signaler(s),
		Sender:        p.sender(),
		Logger:        p.l,
	})
	s.neg.Answer(now, m.Candidates)
}

func (p *Peer) handleBind(r route, m *msgsess.Bind) {
	s := p.hostSession(m.Session, r)
	if s == nil || !s.hosting {
		return
	}

	typ := m.Type
	switch {
	case r.relayed:
		typ = types.ConnectionRelay
	case typ == types.ConnectionNone:
		typ = types.ConnectionPunchthrough
	}

	if s.phase != phaseEstablished || s.data != r || s.connType != typ {
		p.addRoute(s, r)
		s.signal, s.data = r, r
		s.connType = typ
		s.phase = phaseEstablished
		p.latest = typ

		p.l.Info("session bound", "session", s.id.Debug(), "route", r, "type", typ)
		p.emit(RouteSelected{Session: s.id, Hosting: true, Route: r.addr, Type: typ})
	}

	p.reply(r, &msgsess.BindAck{Session: s.id})
}
