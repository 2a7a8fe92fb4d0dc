// Package gather collects the candidate addresses a peer can be reached on.
//
// A Gatherer is driven by ticks: Start fires off the server-reflexive query, HandleBinding feeds it answers,
// and Tick finalizes it once everything answered or the timeout passed.
package gather

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/ifaces"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/stun"
	"go4.org/netipx"
)

// AddrSource lists the addresses on our own interfaces.
type AddrSource func() ([]netip.Addr, error)

// SystemAddrs lists the non-loopback, non-link-local unicast addresses of this host.
func SystemAddrs() ([]netip.Addr, error) {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	for _, a := range ifAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		pfx, ok := netipx.FromStdIPNet(ipNet)
		if !ok {
			continue
		}

		if addr := pfx.Addr(); !addr.IsLoopback() {
			addrs = append(addrs, addr)
		}
	}

	return addrs, nil
}

type Options struct {
	// Server is queried for our server-reflexive address.
	Server netip.AddrPort
	// Port is the local port of the socket, local candidates are advertised on it.
	Port uint16

	// Simple skips interface enumeration, only the server-reflexive address is gathered.
	Simple     bool
	EnableIPv6 bool

	Timeout time.Duration

	Addrs  AddrSource
	Sender ifaces.PacketSender
	Logger *slog.Logger
}

type state byte

const (
	stateIdle state = iota
	stateGathering
	stateDone
)

type Gatherer struct {
	opts Options
	l    *slog.Logger

	state state

	local []types.Candidate
	srflx netip.AddrPort

	tx       key.TxID
	deadline time.Time
	resendAt time.Time
}

func New(opts Options) *Gatherer {
	if opts.Addrs == nil {
		opts.Addrs = SystemAddrs
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Gatherer{
		opts: opts,
		l:    opts.Logger.With("component", "gather"),
	}
}

// Start begins gathering. It is a no-op if gathering already started; a Gatherer can't be restarted.
func (g *Gatherer) Start(now time.Time) {
	if g.state != stateIdle {
		return
	}
	g.state = stateGathering

	if !g.opts.Simple {
		g.gatherLocal()
	}

	if !g.opts.Server.IsValid() {
		g.finish("no server to query")
		return
	}

	g.tx = key.NewTxID()
	g.deadline = now.Add(g.opts.Timeout)
	g.resendAt = now.Add(g.opts.Timeout / 2)

	g.sendQuery()
}

func (g *Gatherer) gatherLocal() {
	addrs, err := g.opts.Addrs()
	if err != nil {
		g.l.Warn("could not list interface addresses", "err", err)
		return
	}

	for _, addr := range addrs {
		addr = types.NormaliseAddr(addr)

		switch {
		case !addr.IsValid(), addr.IsUnspecified(), addr.IsLinkLocalUnicast(), addr.IsMulticast():
			continue
		case addr.Is6() && !g.opts.EnableIPv6:
			continue
		}

		g.local = append(g.local, types.Candidate{
			Kind:     types.LocalCandidate,
			AddrPort: netip.AddrPortFrom(addr, g.opts.Port),
		})
	}

	g.local = types.Dedup(g.local)
}

func (g *Gatherer) sendQuery() {
	if err := g.opts.Sender.WriteTo(stun.Request(g.tx), g.opts.Server); err != nil {
		g.l.Debug("could not send binding request", "server", g.opts.Server, "err", err)
	}
}

// HandleBinding feeds a binding response to the gatherer, and reports whether it was ours.
func (g *Gatherer) HandleBinding(tx key.TxID, mapped netip.AddrPort) bool {
	if g.state != stateGathering || tx != g.tx {
		return false
	}

	g.srflx = types.NormaliseAddrPort(mapped)
	g.finish("all sources answered")

	return true
}

// Tick advances timers, and reports whether gathering is done.
func (g *Gatherer) Tick(now time.Time) bool {
	if g.state != stateGathering {
		return g.state == stateDone
	}

	if !now.Before(g.deadline) {
		g.finish("server-reflexive query timed out")
		return true
	}

	if !g.resendAt.IsZero() && !now.Before(g.resendAt) {
		g.resendAt = time.Time{}
		g.sendQuery()
	}

	return false
}

func (g *Gatherer) finish(reason string) {
	g.state = stateDone

	g.l.Log(context.Background(), types.LevelTrace, "gathering done",
		"reason", reason,
		"local", types.PrettyAddrPortSlice(types.CandidateAddrs(g.local)),
		"srflx", g.srflx,
	)
}

func (g *Gatherer) Done() bool {
	return g.state == stateDone
}

// Candidates returns the gathered candidates, local ones first. It only grows until Done.
func (g *Gatherer) Candidates() []types.Candidate {
	cs := slices.Clone(g.local)

	if g.srflx.IsValid() && !g.PubliclyReachable() {
		cs = append(cs, types.Candidate{Kind: types.ServerReflexiveCandidate, AddrPort: g.srflx})
	}

	return cs
}

// ServerReflexive returns our address as seen by the server, if it answered.
func (g *Gatherer) ServerReflexive() (netip.AddrPort, bool) {
	return g.srflx, g.srflx.IsValid()
}

// PubliclyReachable reports whether the server saw us on one of our own interface addresses,
// which means there's no NAT in front of this host.
func (g *Gatherer) PubliclyReachable() bool {
	if !g.srflx.IsValid() {
		return false
	}

	for _, c := range g.local {
		if c.AddrPort == g.srflx {
			return true
		}
	}

	return false
}
