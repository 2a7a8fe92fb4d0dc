package peer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edup2p/gamelink/config"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/msgsess"
	"github.com/edup2p/gamelink/types/relay"
	"github.com/edup2p/gamelink/types/stun"
	pstun "github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type packet struct {
	pkt  []byte
	addr netip.AddrPort
}

// fakeConn is an in-memory external socket, tests inject what it receives and inspect what it sent.
type fakeConn struct {
	local netip.AddrPort

	in        chan packet
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []packet
}

func newFakeConn(local netip.AddrPort) *fakeConn {
	return &fakeConn{
		local:  local,
		in:     make(chan packet, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	select {
	case p := <-c.in:
		return copy(b, p.pkt), p.addr, nil
	case <-c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (c *fakeConn) Write([]byte) (int, error) {
	return 0, errors.New("fake conn is not connected")
}

func (c *fakeConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, packet{pkt: slices.Clone(b), addr: addr})
	return len(b), nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.local)
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) Sent() []packet {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.sent)
}

var (
	testServer = netip.MustParseAddrPort("192.0.2.1:3478")
	testRemote = netip.MustParseAddrPort("203.0.113.5:4000")
	testLocal  = netip.MustParseAddrPort("10.0.0.5:5000")
	testCreds  = types.Credentials{Username: "player", Password: "hunter2", Origin: "game"}
)

type testPeer struct {
	t     *testing.T
	p     *Peer
	conn  *fakeConn
	clock *clock.Mock
	cfg   config.SessionConfig

	mu          sync.Mutex
	events      []Event
	fatals      []string
	offerFailed int
}

func newTestPeer(t *testing.T, mod func(*config.SessionConfig)) *testPeer {
	t.Helper()

	tp := &testPeer{
		t:     t,
		conn:  newFakeConn(testLocal),
		clock: clock.NewMock(),
	}

	cfg := config.Default()
	cfg.RelayServerAddress = testServer.String()
	cfg.Credentials = testCreds
	cfg.EnableIPv6 = false
	cfg.OnFatalError = func(msg string) {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		tp.fatals = append(tp.fatals, msg)
	}
	cfg.OnOfferFailed = func() {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		tp.offerFailed++
	}
	if mod != nil {
		mod(&cfg)
	}
	tp.cfg = cfg

	p, err := New(context.Background(), cfg, Options{
		Clock: tp.clock,
		Conn:  tp.conn,
		InterfaceAddrs: func() ([]netip.Addr, error) {
			return []netip.Addr{testLocal.Addr()}, nil
		},
		Observer: func(ev Event) {
			tp.mu.Lock()
			defer tp.mu.Unlock()
			tp.events = append(tp.events, ev)
		},
	})
	require.NoError(t, err)
	tp.p = p

	t.Cleanup(func() {
		assert.NoError(t, p.Dispose())
	})

	return tp
}

func (tp *testPeer) advance(d time.Duration) {
	tp.clock.Add(d)
	tp.p.Update()
}

// inject delivers pkt as if it arrived from src, and runs one Update to process it.
func (tp *testPeer) inject(pkt []byte, src netip.AddrPort) {
	tp.t.Helper()

	tp.conn.in <- packet{pkt: pkt, addr: src}

	require.Eventually(tp.t, func() bool {
		return len(tp.conn.in) == 0 && len(tp.p.frames) > 0
	}, time.Second, time.Millisecond)

	tp.p.Update()
}

func (tp *testPeer) Events() []Event {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return slices.Clone(tp.events)
}

func eventsOf[T Event](evs []Event) []T {
	var out []T
	for _, ev := range evs {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

// relayRequests returns every relay protocol message sent to the server with the given method.
func (tp *testPeer) relayRequests(method pstun.Method) []*relay.Message {
	var out []*relay.Message

	for _, s := range tp.conn.Sent() {
		if s.addr != testServer {
			continue
		}

		m, err := relay.Parse(s.pkt)
		if err == nil && m.Method == method {
			out = append(out, m)
		}
	}

	return out
}

func (tp *testPeer) lastRelayRequest(method pstun.Method) *relay.Message {
	tp.t.Helper()

	ms := tp.relayRequests(method)
	require.NotEmpty(tp.t, ms, "no %s sent", method)

	return ms[len(ms)-1]
}

func (tp *testPeer) bindingRequests() []packet {
	var out []packet

	for _, s := range tp.conn.Sent() {
		if _, err := stun.ParseBindingRequest(s.pkt); err == nil {
			out = append(out, s)
		}
	}

	return out
}

// sessionMessagesTo returns the session messages sent straight to addr.
func (tp *testPeer) sessionMessagesTo(addr netip.AddrPort) []msgsess.SessionMessage {
	var out []msgsess.SessionMessage

	for _, s := range tp.conn.Sent() {
		if s.addr != addr {
			continue
		}

		if m, err := msgsess.ParseSessionMessage(s.pkt); err == nil {
			out = append(out, m)
		}
	}

	return out
}

// relayedTo returns the payloads sent through the relay towards peer.
func (tp *testPeer) relayedTo(peer netip.AddrPort) [][]byte {
	var out [][]byte

	for _, m := range tp.relayRequests(pstun.MethodSend) {
		if m.Peer == peer {
			out = append(out, m.Data)
		}
	}

	return out
}

func messagesOf[T msgsess.SessionMessage](ms []msgsess.SessionMessage) []T {
	var out []T
	for _, m := range ms {
		if t, ok := m.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

func parseAll(pkts [][]byte) []msgsess.SessionMessage {
	var out []msgsess.SessionMessage
	for _, pkt := range pkts {
		if m, err := msgsess.ParseSessionMessage(pkt); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// completeAllocation answers the pending allocation with a challenge, then with success.
func (tp *testPeer) completeAllocation(relayed netip.AddrPort) {
	tp.t.Helper()

	first := tp.lastRelayRequest(pstun.MethodAllocate)
	require.False(tp.t, first.Authenticated())

	tp.inject(relay.ErrorResponse(pstun.MethodAllocate, first.TxID, relay.CodeUnauthorized, "unauthorized", "gamelink", "nonce-1"), testServer)

	authed := tp.lastRelayRequest(pstun.MethodAllocate)
	require.True(tp.t, authed.Authenticated())
	require.NoError(tp.t, authed.CheckIntegrity(testCreds.Password))

	tp.inject(relay.AllocateSuccess(authed.TxID, relayed, testLocal, time.Minute, "alloc-1"), testServer)
}

// gameSocket is a real loopback socket standing in for the game.
func gameSocket(t *testing.T) *net.UDPConn {
	t.Helper()

	c, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func readFrom(t *testing.T, c *net.UDPConn) (string, netip.AddrPort) {
	t.Helper()

	buf := make([]byte, 1500)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

	n, from, err := c.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)

	return string(buf[:n]), types.NormaliseAddrPort(from)
}
