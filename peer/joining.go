package peer

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/gamelink/peer/punch"
	"github.com/edup2p/gamelink/peer/relaysess"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/msgsess"
)

// InitializeClient opens a session to the host at remote.
//
// onPrepared is called once the session has a route, with the loopback bridge endpoints the game client should
// connect to. v6 is only valid for relayed routes with IPv6 enabled.
func (p *Peer) InitializeClient(remote netip.AddrPort, onPrepared func(v4, v6 netip.AddrPort)) {
	if p.disposed {
		return
	}
	defer p.flush()

	remote = types.NormaliseAddrPort(remote)

	if _, ok := p.byEndpoint[remote]; ok {
		p.l.Warn("already have a session for remote", "remote", remote)
		return
	}

	now := p.clock.Now()

	s := &session{
		id:     key.NewSessionID(),
		remote: remote,
		phase:  phaseGathering,
		signal: route{addr: remote},
		data:   route{addr: remote},
	}

	br4, err := p.openBridge(s, netip.AddrFrom4([4]byte{127, 0, 0, 1}), netip.AddrPort{})
	if err != nil {
		p.fatal(fmt.Errorf("%w: %w", ErrNoBridge, err))
		return
	}
	s.bridge4 = br4

	if p.cfg.EnableIPv6 {
		br6, err := p.openBridge(s, netip.IPv6Loopback(), netip.AddrPort{})
		if err != nil {
			p.l.Warn("no ipv6 bridge", "err", err)
		} else {
			s.bridge6 = br6
		}
	}

	p.register(s)
	if onPrepared != nil {
		p.prepared[s.id] = onPrepared
	}

	p.l.Info("joining", "session", s.id.Debug(), "remote", remote, "relay-only", p.cfg.ForceRelayOnly)

	if p.cfg.ForceRelayOnly {
		p.fallback(now, s, nil)
		return
	}

	p.ensureGather(now)

	if p.gather.Done() {
		p.startNegotiation(now, s)
	}
}

func (p *Peer) startNegotiation(now time.Time, s *session) {
	if s.phase != phaseGathering {
		return
	}
	s.phase = phaseNegotiating

	s.neg = punch.New(punch.Options{
		Session:       s.id,
		Local:         p.gather.Candidates(),
		Timeout:       p.cfg.RequestTimeout,
		ProbeInterval: p.opts.ProbeInterval,
		Signaler:      p.signaler(s),
		Sender:        p.sender(),
		Logger:        p.l,
	})
	s.neg.Offer(now)

	p.checkNegotiation(now, s)
}

func (p *Peer) handleAnswer(now time.Time, m *msgsess.Answer) {
	s, ok := p.sessions[m.Session]
	if !ok || s.hosting || s.neg == nil {
		return
	}

	s.neg.HandleAnswer(now, m)
	p.checkNegotiation(now, s)
}

// checkNegotiation moves s on once its negotiation is over.
func (p *Peer) checkNegotiation(now time.Time, s *session) {
	if s.phase != phaseNegotiating || !s.neg.Done() {
		return
	}

	pair, err := s.neg.Result()
	if err != nil {
		p.l.Info("punchthrough failed, falling back to relay", "session", s.id.Debug(), "err", err)
		p.fallback(now, s, err)
		return
	}

	typ := types.ConnectionPunchthrough
	if pair.Remote.Kind == types.LocalCandidate {
		typ = types.ConnectionDirect
	}

	p.startBind(now, s, route{addr: pair.Remote.AddrPort}, typ)
}

// fallback routes s through our relay allocation, allocating one if needed. A nil err means the relay
// was asked for up front, and no offer failed.
func (p *Peer) fallback(now time.Time, s *session, err error) {
	if err != nil {
		p.emit(OfferFailed{Session: s.id, Remote: s.remote, Err: err})
	}

	s.phase = phaseAwaitRelay

	p.ensureRelay(now)

	if p.relay.State() == relaysess.StateAllocated {
		p.bindViaRelay(now, s)
	}
}

func (p *Peer) bindViaRelay(now time.Time, s *session) {
	p.startBind(now, s, route{addr: s.remote, relayed: true}, types.ConnectionRelay)
}

func (p *Peer) startBind(now time.Time, s *session, r route, typ types.ConnectionType) {
	s.phase = phaseBinding
	s.signal, s.data = r, r
	s.bindType = typ
	s.bindAttempts = 0

	p.addRoute(s, r)

	p.l.Debug("binding route", "session", s.id.Debug(), "route", r, "type", typ)

	p.sendBind(now, s)
}

func (p *Peer) sendBind(now time.Time, s *session) {
	s.bindAttempts++
	s.bindResendAt = now.Add(p.opts.ProbeInterval)

	p.reply(s.signal, &msgsess.Bind{Session: s.id, Type: s.bindType})
}

func (p *Peer) tickBind(now time.Time, s *session) {
	if now.Before(s.bindResendAt) {
		return
	}

	if s.bindAttempts < BindMaxAttempts {
		p.sendBind(now, s)
		return
	}

	if s.bindType != types.ConnectionRelay {
		p.l.Info("punched route did not bind, falling back to relay", "session", s.id.Debug(), "route", s.data)
		p.fallback(now, s, ErrBindTimeout)
		return
	}

	p.fatal(fmt.Errorf("%w: %s over relay", ErrBindTimeout, s.remote))
	_ = p.endSession(s, "bind timed out", true)
}

func (p *Peer) handleBindAck(m *msgsess.BindAck) {
	s, ok := p.sessions[m.Session]
	if !ok || s.hosting || s.phase != phaseBinding {
		return
	}

	s.phase = phaseEstablished
	s.connType = s.bindType
	p.latest = s.connType

	p.l.Info("session established", "session", s.id.Debug(), "route", s.data, "type", s.connType)

	p.emit(RouteSelected{Session: s.id, Route: s.data.addr, Type: s.connType})

	prep := ClientPrepared{
		Session:  s.id,
		Remote:   s.remote,
		BridgeV4: s.bridge4.local,
		Type:     s.connType,
	}
	if s.connType == types.ConnectionRelay && s.bridge6 != nil {
		prep.BridgeV6 = gonull.NewNullable(s.bridge6.local)
	}

	p.emit(prep)
}
