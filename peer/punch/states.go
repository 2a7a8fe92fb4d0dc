package punch

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/msgsess"
)

// State is one step of a negotiation. Every handler returns the next state, or nil to stay.
type State interface {
	Name() string

	OnTick(now time.Time) State
	OnAnswer(now time.Time, m *msgsess.Answer) State
	OnProbeAck(now time.Time, from netip.AddrPort, m *msgsess.ProbeAck) State

	logger() *slog.Logger
}

func (c *negCommon) logger() *slog.Logger {
	return c.l
}

// passive ignores all messages, states embed it and override what they care about.
type passive struct{}

func (passive) OnTick(time.Time) State { return nil }
func (passive) OnAnswer(time.Time, *msgsess.Answer) State { return nil }
func (passive) OnProbeAck(time.Time, netip.AddrPort, *msgsess.ProbeAck) State { return nil }

type Idle struct {
	passive
	*negCommon
}

func (i *Idle) Name() string { return "idle" }

func (i *Idle) offer(now time.Time) State {
	i.now = now
	i.sendOffer()

	return LogTransition(i, &OfferSent{
		negCommon: i.negCommon,
		deadline:  now.Add(i.opts.Timeout),
		resendAt:  now.Add(i.opts.ProbeInterval),
	})
}

func (i *Idle) answer(now time.Time, remote []types.Candidate) State {
	i.now = now
	i.remote = remote
	i.answered = true
	i.sendAnswer()

	return LogTransition(i, mkProbing(i.negCommon, now, now.Add(i.opts.Timeout)))
}

type OfferSent struct {
	passive
	*negCommon

	deadline time.Time
	resendAt time.Time
}

func (o *OfferSent) Name() string { return "offer-sent" }

func (o *OfferSent) OnTick(now time.Time) State {
	o.now = now

	if !now.Before(o.deadline) {
		return LogTransition(o, &Failed{negCommon: o.negCommon, Err: ErrNoAnswer})
	}

	if !now.Before(o.resendAt) {
		o.sendOffer()
		o.resendAt = now.Add(o.opts.ProbeInterval)
	}

	return nil
}

func (o *OfferSent) OnAnswer(now time.Time, m *msgsess.Answer) State {
	if s := o.OnTick(now); s != nil {
		return s
	}

	o.remote = m.Candidates

	// probing shares the deadline started by the offer
	return LogTransition(o, mkProbing(o.negCommon, now, o.deadline))
}

type Probing struct {
	passive
	*negCommon

	// pending maps every outstanding probe onto the pair it tests.
	pending map[key.TxID]Pair

	deadline time.Time
	resendAt time.Time
}

func mkProbing(c *negCommon, now, deadline time.Time) *Probing {
	p := &Probing{
		negCommon: c,
		pending:   make(map[key.TxID]Pair),
		deadline:  deadline,
	}

	for _, pair := range Pairs(c.opts.Local, c.remote) {
		p.pending[key.NewTxID()] = pair
	}

	if len(p.pending) > 0 {
		p.sendProbes(now)
	}

	return p
}

func (p *Probing) Name() string { return "probing" }

func (p *Probing) sendProbes(now time.Time) {
	for tx, pair := range p.pending {
		probe := &msgsess.Probe{Session: p.opts.Session, TxID: tx}

		if err := p.opts.Sender.WriteTo(probe.MarshalSessionMessage(), pair.Remote.AddrPort); err != nil {
			L(p).Debug("could not send probe", "pair", pair, "err", err)
		}
	}

	p.resendAt = now.Add(p.opts.ProbeInterval)
}

func (p *Probing) OnTick(now time.Time) State {
	p.now = now

	if len(p.pending) == 0 {
		return LogTransition(p, &Failed{negCommon: p.negCommon, Err: ErrNoPairs})
	}

	if !now.Before(p.deadline) {
		return LogTransition(p, &Failed{negCommon: p.negCommon, Err: ErrNoAck})
	}

	if !now.Before(p.resendAt) {
		p.sendProbes(now)
	}

	return nil
}

func (p *Probing) OnProbeAck(now time.Time, from netip.AddrPort, m *msgsess.ProbeAck) State {
	if s := p.OnTick(now); s != nil {
		return s
	}

	pair, ok := p.pending[m.TxID]
	if !ok {
		L(p).Debug("ignoring ack for unknown probe", "from", from, "tx", m.TxID)
		return nil
	}

	// first ack wins, all other probes are abandoned
	clear(p.pending)

	return LogTransition(p, &Succeeded{negCommon: p.negCommon, Pair: pair})
}

type Succeeded struct {
	passive
	*negCommon

	Pair Pair
}

func (s *Succeeded) Name() string { return "succeeded" }

type Failed struct {
	passive
	*negCommon

	Err error
}

func (f *Failed) Name() string { return "failed" }

// Pairs returns every local x remote pair of the same address family, in order.
func Pairs(local, remote []types.Candidate) []Pair {
	var pairs []Pair

	for _, l := range local {
		for _, r := range remote {
			if l.AddrPort.Addr().Is4() != r.AddrPort.Addr().Is4() {
				continue
			}
			pairs = append(pairs, Pair{Local: l, Remote: r})
		}
	}

	return pairs
}
