// Package peer establishes and maintains game connections across NATs.
//
// A Peer owns one external UDP socket. Hosting, it gathers its candidates and allocates a relay, then accepts
// sessions from joining peers. Joining, it negotiates a hole-punched route to the host, and falls back to its own
// relay allocation when that fails. Either way, game traffic flows through loopback bridge sockets, so the game
// transport never sees the route that was picked.
//
// A Peer is not safe for concurrent use. All state changes happen inside its public methods, and Update must be
// called on every network tick to drive timers and drain received packets.
package peer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edup2p/gamelink/config"
	"github.com/edup2p/gamelink/peer/gather"
	"github.com/edup2p/gamelink/peer/relaysess"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/ifaces"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/msgsess"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
)

type Peer struct {
	cfg   config.SessionConfig
	opts  Options
	l     *slog.Logger
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conn   types.UDPConn
	local  netip.AddrPort
	server netip.AddrPort

	frames chan frame

	gather *gather.Gatherer
	// relay is our single allocation, shared between hosting and every relayed joining session,
	// as the relay server keys allocations by our socket.
	relay *relaysess.Session

	hosting          bool
	hostPort         uint16
	hostPrepared     bool
	onServerPrepared func(addr string, port uint16)

	sessions   map[key.SessionID]*session
	byEndpoint map[netip.AddrPort]*session
	byRoute    map[route]*session
	ended      *lru.Cache[key.SessionID, struct{}]
	prepared   map[key.SessionID]func(v4, v6 netip.AddrPort)

	latest types.ConnectionType

	events   []Event
	flushing bool
	disposed bool
}

// New creates a Peer. cfg is copied, later changes to it have no effect.
//
// ctx bounds the construction only, such as resolving the relay server. Dispose ends the Peer.
func New(ctx context.Context, cfg config.SessionConfig, opts Options) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts = opts.withDefaults(&cfg)

	server, err := cfg.RelayServer(ctx, opts.Resolver)
	if err != nil {
		return nil, fmt.Errorf("could not resolve relay server: %w", err)
	}

	conn := opts.Conn
	if conn == nil {
		uc, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(opts.ListenAddr))
		if err != nil {
			return nil, fmt.Errorf("could not bind external socket on %s: %w", opts.ListenAddr, err)
		}
		conn = uc
	}

	ended, err := lru.New[key.SessionID, struct{}](EndedSessionMemory)
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}

	pCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p := &Peer{
		cfg:        cfg,
		opts:       opts,
		clock:      opts.Clock,
		ctx:        pCtx,
		cancel:     cancel,
		conn:       conn,
		local:      types.LocalAddrPort(conn),
		server:     server,
		frames:     make(chan frame, FrameChanBuffer),
		sessions:   make(map[key.SessionID]*session),
		byEndpoint: make(map[netip.AddrPort]*session),
		byRoute:    make(map[route]*session),
		ended:      ended,
		prepared:   make(map[key.SessionID]func(v4, v6 netip.AddrPort)),
	}

	p.l = opts.Logger.With("peer", p.local.String())

	p.wg.Add(1)
	go p.sockRecv(conn, nil)

	p.l.Info("peer started", "relay-server", server, "region", cfg.Region)

	return p, nil
}

// LocalAddr returns the address of the external socket.
func (p *Peer) LocalAddr() netip.AddrPort {
	return p.local
}

// RelayServer returns the relay server endpoint this peer resolved.
func (p *Peer) RelayServer() netip.AddrPort {
	return p.server
}

// LatestConnectionType returns the route type of the most recently established session.
func (p *Peer) LatestConnectionType() types.ConnectionType {
	return p.latest
}

// Sessions returns a snapshot of all live sessions.
func (p *Peer) Sessions() []SessionInfo {
	return types.Map(p.sessionList(), (*session).info)
}

func (p *Peer) sessionList() []*session {
	ss := maps.Values(p.sessions)

	slices.SortFunc(ss, func(a, b *session) int {
		return bytes.Compare(a.id[:], b.id[:])
	})

	return ss
}

// Update drains received packets and drives all timers. It never blocks.
func (p *Peer) Update() {
	if p.disposed {
		return
	}
	defer p.flush()

	now := p.clock.Now()

	p.drain(now)
	p.tick(now)
}

func (p *Peer) drain(now time.Time) {
	for i := 0; i < MaxFramesPerUpdate; i++ {
		select {
		case f := <-p.frames:
			p.dispatch(now, f)
		default:
			return
		}
	}
}

func (p *Peer) tick(now time.Time) {
	if p.gather != nil && !p.gather.Done() {
		if p.gather.Tick(now) {
			p.onGathered(now)
		}
	}

	if p.relay != nil {
		p.handleRelayEvent(now, p.relay.Tick(now))
	}

	for _, s := range p.sessionList() {
		switch s.phase {
		case phaseNegotiating:
			s.neg.Tick(now)
			p.checkNegotiation(now, s)
		case phaseAnswering:
			if s.neg != nil {
				s.neg.Tick(now)
			}
		case phaseBinding:
			p.tickBind(now, s)
		}
	}
}

// EndSession ends the session reachable under endpoint: a remote endpoint, a bridge endpoint, or a route.
// Unknown endpoints are ignored, so it is safe to call more than once.
func (p *Peer) EndSession(endpoint netip.AddrPort) {
	if p.disposed {
		return
	}
	defer p.flush()

	s, ok := p.byEndpoint[types.NormaliseAddrPort(endpoint)]
	if !ok {
		p.l.Debug("no session to end", "endpoint", endpoint)
		return
	}

	if err := p.endSession(s, "ended locally", true); err != nil {
		p.l.Debug("errors while ending session", "session", s.id.Debug(), "err", err)
	}
}

// EndSessionByID ends the session with the given id, as listed by Sessions. Unknown ids are ignored.
func (p *Peer) EndSessionByID(id key.SessionID) {
	if p.disposed {
		return
	}
	defer p.flush()

	s, ok := p.sessions[id]
	if !ok {
		p.l.Debug("no session to end", "session", id.Debug())
		return
	}

	if err := p.endSession(s, "ended locally", true); err != nil {
		p.l.Debug("errors while ending session", "session", s.id.Debug(), "err", err)
	}
}

// CleanUpEverything ends all sessions, stops hosting, and releases the relay allocation.
// The Peer stays usable afterwards.
func (p *Peer) CleanUpEverything() {
	if p.disposed {
		return
	}
	defer p.flush()

	if err := p.cleanup(); err != nil {
		p.l.Debug("errors during cleanup", "err", err)
	}
}

func (p *Peer) cleanup() error {
	var err error

	for _, s := range p.sessionList() {
		err = multierr.Append(err, p.endSession(s, "cleanup", true))
	}

	if p.relay != nil {
		p.relay.EndSession()
		p.relay = nil
	}

	p.hosting = false
	p.hostPrepared = false
	p.onServerPrepared = nil
	p.gather = nil

	return err
}

// Dispose cleans up, and closes every socket. Calling it again does nothing.
func (p *Peer) Dispose() error {
	if p.disposed {
		return nil
	}

	err := p.cleanup()
	p.flush()

	p.disposed = true
	p.cancel()

	err = multierr.Append(err, p.conn.Close())

	p.wg.Wait()

	p.l.Info("peer disposed")

	return err
}

func (p *Peer) writeExt(pkt []byte, to netip.AddrPort) error {
	_, err := p.conn.WriteToUDPAddrPort(pkt, to)
	return err
}

func (p *Peer) sender() ifaces.PacketSender {
	return ifaces.PacketSenderFunc(p.writeExt)
}

// sendVia sends a packet along a route.
func (p *Peer) sendVia(r route, pkt []byte) error {
	if !r.relayed {
		return p.writeExt(pkt, r.addr)
	}

	if p.relay == nil {
		return relaysess.ErrNotAllocated
	}
	return p.relay.Send(r.addr, pkt)
}

func (p *Peer) reply(r route, msg msgsess.SessionMessage) {
	if err := p.sendVia(r, msg.MarshalSessionMessage()); err != nil {
		p.l.Debug("could not send session message", "route", r, "msg", msg.Debug(), "err", err)
	}
}

// signaler sends control messages along whatever the signalling route of s currently is.
func (p *Peer) signaler(s *session) ifaces.Signaler {
	return ifaces.SignalerFunc(func(msg msgsess.SessionMessage) error {
		return p.sendVia(s.signal, msg.MarshalSessionMessage())
	})
}

func (p *Peer) addRoute(s *session, r route) {
	p.byRoute[r] = s
	p.byEndpoint[r.addr] = s
}

func (p *Peer) register(s *session) {
	p.sessions[s.id] = s

	if s.remote.IsValid() {
		p.byEndpoint[s.remote] = s
	}
	for _, br := range s.bridges() {
		p.byEndpoint[br.local] = s
	}

	p.addRoute(s, s.signal)
}

// endSession forgets s everywhere, so that none of its timers is ticked again.
func (p *Peer) endSession(s *session, reason string, sayBye bool) error {
	if s.phase == phaseEnded {
		return nil
	}

	if sayBye {
		p.reply(s.signal, &msgsess.Bye{Session: s.id})
	}

	relayed := s.usesRelay()
	s.phase = phaseEnded

	delete(p.sessions, s.id)
	delete(p.prepared, s.id)
	maps.DeleteFunc(p.byEndpoint, func(_ netip.AddrPort, v *session) bool { return v == s })
	maps.DeleteFunc(p.byRoute, func(_ route, v *session) bool { return v == s })

	p.ended.Add(s.id, struct{}{})

	err := s.closeBridges()

	p.l.Info("session ended", "session", s.id.Debug(), "remote", s.remote, "reason", reason)
	p.emit(SessionEnded{Session: s.id, Remote: s.remote, Reason: reason})

	if relayed {
		p.maybeReleaseRelay()
	}

	return err
}

// maybeReleaseRelay lets go of the relay allocation once nothing needs it anymore.
func (p *Peer) maybeReleaseRelay() {
	if p.hosting || p.relay == nil {
		return
	}

	for _, s := range p.sessions {
		if s.usesRelay() {
			return
		}
	}

	p.relay.EndSession()
	p.relay = nil
}

func (p *Peer) ensureGather(now time.Time) {
	if p.gather != nil {
		return
	}

	p.gather = gather.New(gather.Options{
		Server:     p.server,
		Port:       p.local.Port(),
		Simple:     p.cfg.UseSimpleAddressGathering,
		EnableIPv6: p.cfg.EnableIPv6,
		Timeout:    p.cfg.RequestTimeout,
		Addrs:      p.opts.InterfaceAddrs,
		Sender:     p.sender(),
		Logger:     p.l,
	})
	p.gather.Start(now)

	if p.gather.Done() {
		p.onGathered(now)
	}
}

func (p *Peer) onGathered(now time.Time) {
	p.maybeServerPrepared()

	for _, s := range p.sessionList() {
		if s.phase == phaseGathering {
			p.startNegotiation(now, s)
		}
	}
}

func (p *Peer) ensureRelay(now time.Time) {
	if p.relay != nil && p.relay.State() != relaysess.StateClosed {
		return
	}

	p.relay = relaysess.New(relaysess.Options{
		Server:              p.server,
		Credentials:         p.cfg.Credentials,
		RequestTimeout:      p.cfg.RequestTimeout,
		RelayRequestTimeout: p.cfg.RelayRequestTimeout,
		MaxAttempts:         p.cfg.RelayRefreshMaxAttempts,
		Lifetime:            p.cfg.RelayLifetime,
		RefreshTime:         p.cfg.RelayRefreshTime,
		Sender:              p.sender(),
		Logger:              p.l,
	})
	p.relay.Allocate(now)
}

func (p *Peer) handleRelayEvent(now time.Time, ev relaysess.Event) {
	switch e := ev.(type) {
	case nil:
	case relaysess.Allocated:
		p.maybeServerPrepared()

		for _, s := range p.sessionList() {
			if s.phase == phaseAwaitRelay {
				p.bindViaRelay(now, s)
			}
		}
	case relaysess.AllocationFailed:
		p.fatal(e.Err)

		for _, s := range p.sessionList() {
			if s.phase == phaseAwaitRelay {
				_ = p.endSession(s, "relay allocation failed", false)
			}
		}
	case relaysess.Refreshed:
		p.l.Log(p.ctx, types.LevelTrace, "relay refreshed", "expiry", e.Expiry)
	case relaysess.RefreshRetry:
		p.l.Debug("relay refresh retrying", "failures", e.Failures, "interval", e.Interval)
	case relaysess.Lost:
		p.fatal(e.Err)

		for _, s := range p.sessionList() {
			if s.usesRelay() {
				_ = p.endSession(s, "relay lost", true)
			}
		}
	}
}

func (p *Peer) fatal(err error) {
	p.l.Error("fatal error", "err", err)
	p.emit(FatalError{Err: err})
}

func (p *Peer) emit(ev Event) {
	p.l.Log(p.ctx, types.LevelTrace, "event", "event", ev.EventName())
	p.events = append(p.events, ev)
}

// flush hands queued events to callbacks. Callbacks may call back into the Peer, events they cause are
// delivered by the outermost flush.
func (p *Peer) flush() {
	if p.flushing {
		return
	}

	p.flushing = true
	defer func() {
		p.flushing = false
	}()

	for len(p.events) > 0 {
		ev := p.events[0]
		p.events = p.events[1:]

		p.deliver(ev)
	}
}

func (p *Peer) deliver(ev Event) {
	switch e := ev.(type) {
	case FatalError:
		if p.cfg.OnFatalError != nil {
			p.cfg.OnFatalError(e.Err.Error())
		}
	case ServerPrepared:
		if p.onServerPrepared != nil {
			p.onServerPrepared(e.Endpoint.Addr().String(), e.Endpoint.Port())
		}
	case ClientPrepared:
		if cb, ok := p.prepared[e.Session]; ok {
			delete(p.prepared, e.Session)
			cb(e.BridgeV4, e.BridgeV6.Val)
		}
	case OfferFailed:
		if p.cfg.OnOfferFailed != nil {
			p.cfg.OnOfferFailed()
		}
	}

	if p.opts.Observer != nil {
		p.opts.Observer(ev)
	}
}
