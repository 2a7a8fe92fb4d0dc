// Package relaysess maintains one allocation on a relay server: allocating it, refreshing it with
// exponential backoff, and tearing it down on exhaustion, expiry, or request.
package relaysess

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/ifaces"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/relay"
	"github.com/google/uuid"
	pstun "github.com/pion/stun"
)

type State byte

const (
	StateIdle State = iota
	StateAllocating
	StateAllocated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAllocating:
		return "allocating"
	case StateAllocated:
		return "allocated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

type Options struct {
	Server      netip.AddrPort
	Credentials types.Credentials

	// RequestTimeout bounds the allocation.
	RequestTimeout time.Duration
	// RelayRequestTimeout is the initial wait for a refresh answer.
	RelayRequestTimeout time.Duration
	MaxAttempts         int
	Lifetime            time.Duration
	RefreshTime         time.Duration

	Sender ifaces.PacketSender
	Logger *slog.Logger
}

type Session struct {
	opts Options
	l    *slog.Logger

	state State
	auth  *relay.Auth

	// outstanding request
	tx       key.TxID
	deadline time.Time
	resendAt time.Time
	authSent bool

	allocationID string
	relayed      netip.AddrPort
	mapped       netip.AddrPort
	lifetime     time.Duration

	retryInterval time.Duration
	failures      int
	refreshing    bool
	nextRefresh   time.Time
	expiry        time.Time
}

func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Session{
		opts:          opts,
		l:             opts.Logger.With("relay", opts.Server),
		retryInterval: opts.RelayRequestTimeout,
	}
}

func (s *Session) logTransition(to State) {
	s.l.Log(context.Background(), types.LevelTrace, "transitioning state", "state", s.state, "to-state", to)
	s.state = to
}

// Allocate requests an allocation. It does nothing unless the session is idle.
func (s *Session) Allocate(now time.Time) {
	if s.state != StateIdle {
		return
	}

	s.logTransition(StateAllocating)
	s.sendAllocate(now)
}

func (s *Session) sendAllocate(now time.Time) {
	s.tx = key.NewTxID()
	s.deadline = now.Add(s.opts.RequestTimeout)
	s.resendAt = now.Add(s.opts.RequestTimeout / 2)
	s.authSent = s.auth != nil

	s.write(relay.AllocateRequest(s.tx, s.opts.Lifetime, s.auth))
}

func (s *Session) sendRefresh(now time.Time) {
	s.tx = key.NewTxID()
	s.refreshing = true
	s.resendRefresh(now)
}

// resendRefresh retransmits the outstanding refresh under the same transaction,
// so an answer to any earlier attempt still matches.
func (s *Session) resendRefresh(now time.Time) {
	s.deadline = now.Add(s.retryInterval)

	s.write(relay.RefreshRequest(s.tx, s.lifetime, s.auth))
}

func (s *Session) write(pkt []byte) {
	if err := s.opts.Sender.WriteTo(pkt, s.opts.Server); err != nil {
		s.l.Debug("could not write to relay", "err", err)
	}
}

// Handle feeds a message from the relay server into the session.
// It returns the resulting event, or nil.
func (s *Session) Handle(now time.Time, m *relay.Message) Event {
	if !m.IsResponse() || m.TxID != s.tx {
		return nil
	}

	switch {
	case s.state == StateAllocating && m.Method == pstun.MethodAllocate:
		return s.handleAllocate(now, m)
	case s.state == StateAllocated && m.Method == pstun.MethodRefresh && s.refreshing:
		return s.handleRefresh(now, m)
	default:
		return nil
	}
}

func (s *Session) handleAllocate(now time.Time, m *relay.Message) Event {
	if m.Class == pstun.ClassErrorResponse {
		switch relay.Classify(m.ErrorCode) {
		case relay.KindChallenge:
			if s.authSent || m.Realm == "" {
				return s.failAllocation(fmt.Errorf("%w: %s", ErrRelayAuth, m.Reason))
			}
			s.auth = &relay.Auth{Credentials: s.opts.Credentials, Realm: m.Realm, Nonce: m.Nonce}
			s.sendAllocate(now)
			return nil
		case relay.KindStaleNonce:
			if s.auth != nil && m.Nonce != "" {
				s.auth.Nonce = m.Nonce
				s.sendAllocate(now)
				return nil
			}
			return s.failAllocation(fmt.Errorf("%w: %s", ErrRelayAuth, m.Reason))
		case relay.KindAuth:
			return s.failAllocation(fmt.Errorf("%w: %s", ErrRelayAuth, m.Reason))
		case relay.KindCapacity:
			return s.failAllocation(fmt.Errorf("%w: %s", ErrRelayCapacity, m.Reason))
		default:
			return s.failAllocation(fmt.Errorf("%w: %d %s", ErrRelayRejected, m.ErrorCode, m.Reason))
		}
	}

	s.allocationID = m.AllocationID
	if s.allocationID == "" {
		s.allocationID = uuid.NewString()
	}
	s.relayed = m.Relayed
	s.mapped = m.Mapped

	s.lifetime = s.opts.Lifetime
	if m.HasLifetime && m.Lifetime > 0 && m.Lifetime < s.lifetime {
		s.lifetime = m.Lifetime
	}

	s.logTransition(StateAllocated)
	s.succeeded(now)

	s.l.Info("relay allocated", "id", s.allocationID, "relayed", s.relayed, "lifetime", s.lifetime)

	return Allocated{
		AllocationID: s.allocationID,
		Relayed:      s.relayed,
		Mapped:       s.mapped,
		Lifetime:     s.lifetime,
	}
}

func (s *Session) failAllocation(err error) Event {
	s.l.Warn("relay allocation failed", "err", err)
	s.logTransition(StateClosed)

	return AllocationFailed{Err: err}
}

func (s *Session) handleRefresh(now time.Time, m *relay.Message) Event {
	if m.Class == pstun.ClassErrorResponse {
		if relay.Classify(m.ErrorCode) == relay.KindStaleNonce && s.auth != nil && m.Nonce != "" {
			// not a failure, the nonce rotated under us
			s.auth.Nonce = m.Nonce
			s.sendRefresh(now)
			return nil
		}

		// the allocation is gone server side
		return s.lose(fmt.Errorf("%w: %d %s", ErrRelayExpired, m.ErrorCode, m.Reason))
	}

	if m.HasLifetime && m.Lifetime > 0 && m.Lifetime < s.lifetime {
		s.lifetime = m.Lifetime
	}

	s.succeeded(now)

	return Refreshed{Expiry: s.expiry}
}

// succeeded resets the backoff, and moves both the refresh schedule and the expiry deadline.
func (s *Session) succeeded(now time.Time) {
	s.refreshing = false
	s.failures = 0
	s.retryInterval = s.opts.RelayRequestTimeout
	s.nextRefresh = now.Add(s.opts.RefreshTime)
	s.expiry = now.Add(s.lifetime)
}

func (s *Session) lose(err error) Event {
	s.l.Warn("relay session lost", "id", s.allocationID, "err", err)
	s.logTransition(StateClosed)
	s.refreshing = false

	return Lost{Err: err}
}

// Tick advances the session's timers, and returns the resulting event, or nil.
func (s *Session) Tick(now time.Time) Event {
	switch s.state {
	case StateAllocating:
		if !now.Before(s.deadline) {
			return s.failAllocation(ErrRelayTimeout)
		}
		if !s.resendAt.IsZero() && !now.Before(s.resendAt) {
			s.resendAt = time.Time{}
			s.write(relay.AllocateRequest(s.tx, s.opts.Lifetime, s.auth))
		}
		return nil
	case StateAllocated:
		return s.tickAllocated(now)
	default:
		return nil
	}
}

func (s *Session) tickAllocated(now time.Time) Event {
	// expiry is checked first, it wins over any refresh still in flight
	if !now.Before(s.expiry) {
		return s.lose(ErrRelayExpired)
	}

	if !s.refreshing {
		if !now.Before(s.nextRefresh) {
			s.sendRefresh(now)
		}
		return nil
	}

	if now.Before(s.deadline) {
		return nil
	}

	s.failures++
	if s.failures >= s.opts.MaxAttempts {
		return s.lose(fmt.Errorf("%w: after %d attempts", ErrRefreshExhausted, s.failures))
	}

	s.retryInterval *= 2
	s.resendRefresh(now)

	s.l.Debug("relay refresh unanswered, retrying", "failures", s.failures, "interval", s.retryInterval)

	return RefreshRetry{Failures: s.failures, Interval: s.retryInterval}
}

// EndSession cancels all timers and, best-effort, releases the allocation on the server.
// It is a no-op on a session that is already closed or was never allocated.
func (s *Session) EndSession() {
	switch s.state {
	case StateClosed:
		return
	case StateAllocated:
		s.tx = key.NewTxID()
		s.write(relay.RefreshRequest(s.tx, 0, s.auth))
		s.l.Debug("relay allocation released", "id", s.allocationID)
	}

	s.refreshing = false
	s.logTransition(StateClosed)
}

// Send forwards data through the relay to peer.
func (s *Session) Send(peer netip.AddrPort, data []byte) error {
	if s.state != StateAllocated {
		return ErrNotAllocated
	}

	return s.opts.Sender.WriteTo(relay.SendIndication(peer, data), s.opts.Server)
}

func (s *Session) State() State { return s.state }
func (s *Session) Server() netip.AddrPort { return s.opts.Server }
func (s *Session) AllocationID() string { return s.allocationID }
func (s *Session) Relayed() netip.AddrPort { return s.relayed }
func (s *Session) Mapped() netip.AddrPort { return s.mapped }
func (s *Session) RetryInterval() time.Duration { return s.retryInterval }
func (s *Session) Failures() int { return s.failures }
func (s *Session) NextRefresh() time.Time { return s.nextRefresh }
func (s *Session) Expiry() time.Time { return s.expiry }
