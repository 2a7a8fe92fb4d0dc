// Package relay implements the relay server: a UDP service answering binding requests, and handing out
// relayed addresses through which clients behind hostile NATs can still exchange packets.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/relay"
	"github.com/edup2p/gamelink/types/stun"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	pstun "github.com/pion/stun"
	"go.uber.org/multierr"
)

var ErrServerClosed = errors.New("relay server closed")

type Server struct {
	cfg     Config
	l       *slog.Logger
	metrics *metrics

	conn *net.UDPConn

	mu     sync.Mutex
	allocs map[netip.AddrPort]*allocation
	closed bool

	nonces *lru.Cache[string, time.Time]

	wg sync.WaitGroup
}

// NewServer creates a server that serves on conn. The server takes ownership of conn.
func NewServer(conn *net.UDPConn, cfg Config) (*Server, error) {
	c := cfg.withDefaults()

	nonces, err := lru.New[string, time.Time](nonceCacheLen)
	if err != nil {
		return nil, fmt.Errorf("could not create nonce cache: %w", err)
	}

	s := &Server{
		cfg:     c,
		metrics: newMetrics(c.Registerer),
		conn:    conn,
		allocs:  make(map[netip.AddrPort]*allocation),
		nonces:  nonces,
	}

	s.l = c.Logger.With("relay-server", s.LocalAddr().String())

	if !c.RelayIP.IsValid() && !c.PublicIP.IsValid() && s.LocalAddr().Addr().IsUnspecified() {
		s.l.Warn("listening on a wildcard address without a public ip, relayed addresses will not be reachable from outside")
	}

	return s, nil
}

// Listen binds a UDP socket on addr and creates a server for it.
func Listen(addr netip.AddrPort, cfg Config) (*Server, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", addr, err)
	}

	s, err := NewServer(conn, cfg)
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}

	return s, nil
}

func (s *Server) LocalAddr() netip.AddrPort {
	return types.NormaliseAddrPort(types.LocalAddrPort(s.conn))
}

// Serve reads and answers packets until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.wg.Add(1)
	go s.sweepLoop(ctx)

	buf := make([]byte, MaxPacketSize)

	for {
		if types.IsContextDone(ctx) {
			return ctx.Err()
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return err
		}

		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.l.Warn("read failed", "err", err)
			continue
		}

		s.handlePacket(buf[:n], types.NormaliseAddrPort(from))
	}
}

// Close stops the server, and releases every allocation.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	for client, a := range s.allocs {
		err = multierr.Append(err, a.conn.Close())
		delete(s.allocs, client)
	}
	s.metrics.allocationsActive.Set(0)
	s.mu.Unlock()

	err = multierr.Append(err, s.conn.Close())

	s.wg.Wait()

	return err
}

// Allocations returns the amount of live allocations.
func (s *Server) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.allocs)
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.cfg.Clock.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.sweep() {
				return
			}
		}
	}
}

// sweep removes expired allocations, it returns false once the server is closed.
func (s *Server) sweep() bool {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	for client, a := range s.allocs {
		if now.Before(a.expiry) {
			continue
		}

		s.l.Info("allocation expired", "alloc", a.id, "client", client)
		s.removeLocked(a)
	}

	return true
}

func (s *Server) removeLocked(a *allocation) {
	delete(s.allocs, a.client)
	s.metrics.allocationsActive.Set(float64(len(s.allocs)))

	if err := a.conn.Close(); err != nil {
		s.l.Debug("closing relayed socket failed", "alloc", a.id, "err", err)
	}
}

func (s *Server) write(b []byte, to netip.AddrPort) {
	if _, err := s.conn.WriteToUDPAddrPort(b, to); err != nil {
		s.l.Debug("write failed", "to", to, "err", err)
	}
}

func (s *Server) handlePacket(b []byte, from netip.AddrPort) {
	if !stun.Is(b) {
		s.l.Log(context.Background(), types.LevelTrace, "dropping non-stun packet", "from", from, "len", len(b))
		return
	}

	if tx, err := stun.ParseBindingRequest(b); err == nil {
		s.metrics.requests.WithLabelValues("binding", "ok").Inc()
		s.write(stun.Response(tx, from), from)
		return
	}

	m, err := relay.Parse(b)
	if err != nil {
		s.l.Debug("dropping malformed packet", "from", from, "err", err)
		return
	}

	switch {
	case m.Method == pstun.MethodAllocate && m.Class == pstun.ClassRequest:
		s.handleAllocate(m, from)
	case m.Method == pstun.MethodRefresh && m.Class == pstun.ClassRequest:
		s.handleRefresh(m, from)
	case m.Method == pstun.MethodSend && m.Class == pstun.ClassIndication:
		s.handleSend(m, from)
	default:
		s.l.Debug("dropping unexpected message", "from", from, "msg", m.Debug())
	}
}

func (s *Server) newNonce() string {
	n := uuid.NewString()
	s.nonces.Add(n, s.cfg.Clock.Now())
	return n
}

// authenticate checks the long-term credentials on m, and answers with an error response if they don't hold.
func (s *Server) authenticate(m *relay.Message, from netip.AddrPort) bool {
	reject := func(code int, reason, nonce string) bool {
		s.metrics.requests.WithLabelValues(m.Method.String(), reason).Inc()
		s.write(relay.ErrorResponse(m.Method, m.TxID, code, reason, s.cfg.Realm, nonce), from)
		return false
	}

	if !m.Authenticated() {
		return reject(relay.CodeUnauthorized, "unauthorized", s.newNonce())
	}

	if m.Realm != s.cfg.Realm {
		return reject(relay.CodeUnauthorized, "wrong realm", s.newNonce())
	}

	issued, ok := s.nonces.Get(m.Nonce)
	if !ok || s.cfg.Clock.Since(issued) > NonceLifetime {
		s.nonces.Remove(m.Nonce)
		return reject(relay.CodeStaleNonce, "stale nonce", s.newNonce())
	}

	if len(s.cfg.Users) == 0 {
		return true
	}

	password, ok := s.cfg.Users[m.Username]
	if !ok {
		return reject(relay.CodeUnauthorized, "unknown user", s.newNonce())
	}

	if err := m.CheckIntegrity(password); err != nil {
		s.l.Debug("integrity check failed", "from", from, "user", m.Username, "err", err)
		return reject(relay.CodeUnauthorized, "integrity", s.newNonce())
	}

	return true
}

func (s *Server) grantedLifetime(m *relay.Message) time.Duration {
	if !m.HasLifetime || m.Lifetime <= 0 || m.Lifetime > s.cfg.MaxLifetime {
		return s.cfg.MaxLifetime
	}
	return m.Lifetime
}

func (s *Server) relayAddrFor(client netip.AddrPort) netip.Addr {
	if s.cfg.RelayIP.IsValid() {
		return s.cfg.RelayIP
	}

	local := s.LocalAddr().Addr()
	if local.IsUnspecified() && client.Addr().Is4() {
		return netip.IPv4Unspecified()
	}
	return local
}

func (s *Server) handleAllocate(m *relay.Message, from netip.AddrPort) {
	if !s.authenticate(m, from) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if a, ok := s.allocs[from]; ok {
		if a.lastTx == m.TxID {
			// retransmission, the client missed our answer
			s.write(relay.AllocateSuccess(m.TxID, a.relayed, from, a.lifetime, a.id), from)
			return
		}

		s.metrics.requests.WithLabelValues("allocate", "mismatch").Inc()
		s.write(relay.ErrorResponse(m.Method, m.TxID, relay.CodeAllocationMismatch, "allocation mismatch", "", ""), from)
		return
	}

	if len(s.allocs) >= s.cfg.MaxAllocations {
		s.metrics.requests.WithLabelValues("allocate", "capacity").Inc()
		s.write(relay.ErrorResponse(m.Method, m.TxID, relay.CodeInsufficientCapacity, "insufficient capacity", "", ""), from)
		return
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(s.relayAddrFor(from), 0)))
	if err != nil {
		s.l.Error("could not open relayed socket", "client", from, "err", err)
		s.metrics.requests.WithLabelValues("allocate", "error").Inc()
		s.write(relay.ErrorResponse(m.Method, m.TxID, relay.CodeServerError, "server error", "", ""), from)
		return
	}

	relayed := types.NormaliseAddrPort(types.LocalAddrPort(conn))
	if s.cfg.PublicIP.IsValid() {
		relayed = netip.AddrPortFrom(s.cfg.PublicIP, relayed.Port())
	}

	lifetime := s.grantedLifetime(m)

	a := &allocation{
		id:       uuid.NewString(),
		client:   from,
		username: m.Username,
		origin:   m.Origin,
		conn:     conn,
		relayed:  relayed,
		expiry:   s.cfg.Clock.Now().Add(lifetime),
		lastTx:   m.TxID,
		lifetime: lifetime,
	}

	s.allocs[from] = a
	s.metrics.allocationsActive.Set(float64(len(s.allocs)))
	s.metrics.allocationsTotal.Inc()
	s.metrics.requests.WithLabelValues("allocate", "ok").Inc()

	s.wg.Add(1)
	go s.readLoop(a)

	s.l.Info("allocated", "alloc", a.id, "client", from, "relayed", relayed, "lifetime", lifetime, "user", a.username, "origin", a.origin)

	s.write(relay.AllocateSuccess(m.TxID, relayed, from, lifetime, a.id), from)
}

func (s *Server) handleRefresh(m *relay.Message, from netip.AddrPort) {
	if !s.authenticate(m, from) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocs[from]
	if !ok {
		s.metrics.requests.WithLabelValues("refresh", "mismatch").Inc()
		s.write(relay.ErrorResponse(m.Method, m.TxID, relay.CodeAllocationMismatch, "allocation mismatch", "", ""), from)
		return
	}

	if m.HasLifetime && m.Lifetime == 0 {
		s.l.Info("allocation released", "alloc", a.id, "client", from)
		s.removeLocked(a)
		s.metrics.requests.WithLabelValues("refresh", "released").Inc()
		s.write(relay.RefreshSuccess(m.TxID, 0), from)
		return
	}

	a.lifetime = s.grantedLifetime(m)
	a.expiry = s.cfg.Clock.Now().Add(a.lifetime)

	s.metrics.requests.WithLabelValues("refresh", "ok").Inc()
	s.write(relay.RefreshSuccess(m.TxID, a.lifetime), from)
}

func (s *Server) handleSend(m *relay.Message, from netip.AddrPort) {
	s.mu.Lock()
	a, ok := s.allocs[from]
	s.mu.Unlock()

	if !ok {
		s.l.Debug("send without allocation", "from", from)
		return
	}

	if _, err := a.conn.WriteToUDPAddrPort(m.Data, m.Peer); err != nil {
		s.l.Debug("could not relay to peer", "alloc", a.id, "peer", m.Peer, "err", err)
		return
	}

	s.metrics.relayedBytes.WithLabelValues("from_client").Add(float64(len(m.Data)))
}

