// Package punch negotiates a hole-punched route between two peers.
//
// The negotiation is a small state machine: the joining side goes Idle -> OfferSent -> Probing, the hosting side
// starts answering straight into Probing, and both end up in Succeeded or Failed.
// Terminal states are final, retrying means creating a new Negotiator.
package punch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/ifaces"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/msgsess"
)

var (
	// ErrNegotiationTimeout is wrapped by every negotiation failure, callers fall back to the relay on it.
	ErrNegotiationTimeout = errors.New("punchthrough negotiation timed out")

	ErrNoAnswer = fmt.Errorf("%w: no answer to offer", ErrNegotiationTimeout)
	ErrNoAck    = fmt.Errorf("%w: no probe acknowledged", ErrNegotiationTimeout)
	ErrNoPairs  = fmt.Errorf("%w: no usable candidate pairs", ErrNegotiationTimeout)
)

// Pair is one local and one remote candidate that might reach each other.
type Pair struct {
	Local  types.Candidate
	Remote types.Candidate
}

func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s", p.Local, p.Remote)
}

type Options struct {
	Session key.SessionID
	Local   []types.Candidate

	// Timeout bounds the whole negotiation from the offer on. An answering negotiator starts it on Answer.
	Timeout time.Duration
	// ProbeInterval is the resend interval for offers and probes. Defaults to a quarter of Timeout.
	ProbeInterval time.Duration

	Signaler ifaces.Signaler
	Sender   ifaces.PacketSender
	Logger   *slog.Logger
}

// Negotiator holds the current State of one negotiation.
type Negotiator struct {
	common *negCommon
	state  State
}

func New(opts Options) *Negotiator {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = opts.Timeout / 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &negCommon{
		opts: opts,
		l:    opts.Logger.With("session", opts.Session.Debug()),
	}

	return &Negotiator{
		common: c,
		state:  &Idle{negCommon: c},
	}
}

// Offer starts negotiating from the joining side.
func (n *Negotiator) Offer(now time.Time) {
	if idle, ok := n.state.(*Idle); ok {
		n.transition(idle.offer(now))
	}
}

// Answer starts negotiating from the hosting side, in reply to an offer carrying remote.
func (n *Negotiator) Answer(now time.Time, remote []types.Candidate) {
	if idle, ok := n.state.(*Idle); ok {
		n.transition(idle.answer(now, remote))
	}
}

// Reanswer resends our answer, for when the remote retransmits its offer.
func (n *Negotiator) Reanswer() {
	if n.common.answered {
		n.common.sendAnswer()
	}
}

func (n *Negotiator) Tick(now time.Time) {
	n.transition(n.state.OnTick(now))
}

func (n *Negotiator) HandleAnswer(now time.Time, m *msgsess.Answer) {
	n.transition(n.state.OnAnswer(now, m))
}

func (n *Negotiator) HandleProbeAck(now time.Time, from netip.AddrPort, m *msgsess.ProbeAck) {
	n.transition(n.state.OnProbeAck(now, from, m))
}

func (n *Negotiator) transition(s State) {
	// cascade, a state may complete right upon entry
	for s != nil {
		n.state = s
		s = s.OnTick(n.common.now)
	}
}

func (n *Negotiator) State() State {
	return n.state
}

// Done reports whether the negotiation reached a terminal state.
func (n *Negotiator) Done() bool {
	switch n.state.(type) {
	case *Succeeded, *Failed:
		return true
	default:
		return false
	}
}

// Result returns the selected pair, or the failure reason. Only meaningful once Done.
func (n *Negotiator) Result() (Pair, error) {
	switch s := n.state.(type) {
	case *Succeeded:
		return s.Pair, nil
	case *Failed:
		return Pair{}, s.Err
	default:
		return Pair{}, errors.New("negotiation still running")
	}
}

// negCommon is shared between all states of one negotiation.
type negCommon struct {
	opts Options
	l    *slog.Logger

	// now is the time of the last event, states entered by a cascade are ticked with it.
	now time.Time

	remote   []types.Candidate
	answered bool
}

func (c *negCommon) sendAnswer() {
	if err := c.opts.Signaler.SendSignal(&msgsess.Answer{Session: c.opts.Session, Candidates: c.opts.Local}); err != nil {
		c.l.Debug("could not send answer", "err", err)
	}
}

func (c *negCommon) sendOffer() {
	if err := c.opts.Signaler.SendSignal(&msgsess.Offer{Session: c.opts.Session, Candidates: c.opts.Local}); err != nil {
		c.l.Debug("could not send offer", "err", err)
	}
}

// L stands for Log
func L(s State) *slog.Logger {
	return s.logger().With("state", s.Name())
}

func LogTransition(from State, to State) State {
	L(from).Log(context.Background(), types.LevelTrace, "transitioning state", "to-state", to.Name())

	return to
}
