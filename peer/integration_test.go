package peer

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/edup2p/gamelink/config"
	"github.com/edup2p/gamelink/peer/relaysess"
	relayserver "github.com/edup2p/gamelink/server/relay"
	"github.com/edup2p/gamelink/types"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func startRelay(t *testing.T) (netip.AddrPort, func()) {
	t.Helper()

	srv, err := relayserver.Listen(netip.AddrPortFrom(loopback, 0), relayserver.Config{
		Users: map[string]string{testCreds.Username: testCreds.Password},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	return srv.LocalAddr(), func() {
		cancel()
		assert.NoError(t, srv.Close())
		<-done
	}
}

type livePeer struct {
	p *Peer

	mu     sync.Mutex
	events []Event
}

func (lp *livePeer) Events() []Event {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	return append([]Event(nil), lp.events...)
}

// newLivePeer creates a peer on a real loopback socket. With reachable set, it sees 127.0.0.1 as one of its
// own interface addresses, and so considers itself not NATted.
func newLivePeer(t *testing.T, server netip.AddrPort, reachable bool, mod func(*config.SessionConfig)) *livePeer {
	t.Helper()

	cfg := config.Default()
	cfg.RelayServerAddress = server.String()
	cfg.Credentials = testCreds
	cfg.EnableIPv6 = false
	cfg.RequestTimeout = time.Second
	if mod != nil {
		mod(&cfg)
	}

	lp := &livePeer{}

	p, err := New(context.Background(), cfg, Options{
		ListenAddr: netip.AddrPortFrom(loopback, 0),
		InterfaceAddrs: func() ([]netip.Addr, error) {
			if reachable {
				return []netip.Addr{loopback}, nil
			}
			return nil, nil
		},
		Observer: func(ev Event) {
			lp.mu.Lock()
			defer lp.mu.Unlock()
			lp.events = append(lp.events, ev)
		},
		ProbeInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	lp.p = p
	return lp
}

// pump updates every peer until cond holds.
func pump(t *testing.T, cond func() bool, peers ...*livePeer) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, lp := range peers {
			lp.p.Update()
		}
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

func echoServer(t *testing.T) *net.UDPConn {
	t.Helper()

	c, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(loopback, 0)))
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := c.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			_, _ = c.WriteToUDPAddrPort(buf[:n], from)
		}
	}()

	return c
}

// roundtrip sends msg from a game client socket to bridge, pumping the peers until the echo comes back.
func roundtrip(t *testing.T, bridge netip.AddrPort, msg string, peers ...*livePeer) {
	t.Helper()

	game, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(loopback, 0)))
	require.NoError(t, err)
	defer game.Close()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 1500)
		n, _, err := game.ReadFromUDPAddrPort(buf)
		if err == nil {
			got <- string(buf[:n])
		}
	}()

	// the first packets may race the route, resend until one makes it
	pump(t, func() bool {
		select {
		case g := <-got:
			assert.Equal(t, msg, g)
			return true
		default:
			_, _ = game.WriteToUDPAddrPort([]byte(msg), bridge)
			return false
		}
	}, peers...)
}

func TestIntegration_Direct(t *testing.T) {
	defer leaktest.Check(t)()

	server, stop := startRelay(t)
	defer stop()

	echo := echoServer(t)
	defer echo.Close()

	host := newLivePeer(t, server, true, nil)
	defer func() { assert.NoError(t, host.p.Dispose()) }()
	client := newLivePeer(t, server, true, nil)
	defer func() { assert.NoError(t, client.p.Dispose()) }()

	var hostEndpoint netip.AddrPort
	host.p.InitializeHosting(types.LocalAddrPort(echo).Port(), func(addr string, port uint16) {
		hostEndpoint = netip.AddrPortFrom(netip.MustParseAddr(addr), port)
	})

	pump(t, func() bool { return hostEndpoint.IsValid() }, host)
	assert.Equal(t, host.p.LocalAddr(), hostEndpoint)

	var bridge netip.AddrPort
	client.p.InitializeClient(hostEndpoint, func(v4, _ netip.AddrPort) {
		bridge = v4
	})

	pump(t, func() bool { return bridge.IsValid() }, host, client)

	assert.Equal(t, types.ConnectionDirect, client.p.LatestConnectionType())
	assert.Equal(t, types.ConnectionDirect, host.p.LatestConnectionType())
	assert.Empty(t, eventsOf[OfferFailed](client.Events()))

	roundtrip(t, bridge, "hello through the hole", host, client)

	client.p.EndSession(hostEndpoint)
	pump(t, func() bool { return len(host.p.Sessions()) == 0 }, host, client)
}

func TestIntegration_RelayOnly(t *testing.T) {
	defer leaktest.Check(t)()

	server, stop := startRelay(t)
	defer stop()

	echo := echoServer(t)
	defer echo.Close()

	// the host is behind a NAT, so it hands out its relay allocation
	host := newLivePeer(t, server, false, nil)
	defer func() { assert.NoError(t, host.p.Dispose()) }()
	client := newLivePeer(t, server, false, func(c *config.SessionConfig) {
		c.ForceRelayOnly = true
	})
	defer func() { assert.NoError(t, client.p.Dispose()) }()

	var hostEndpoint netip.AddrPort
	host.p.InitializeHosting(types.LocalAddrPort(echo).Port(), func(addr string, port uint16) {
		hostEndpoint = netip.AddrPortFrom(netip.MustParseAddr(addr), port)
	})

	pump(t, func() bool { return hostEndpoint.IsValid() }, host)

	prepared := eventsOf[ServerPrepared](host.Events())
	require.Len(t, prepared, 1)
	require.True(t, prepared[0].Relayed)

	var bridge netip.AddrPort
	client.p.InitializeClient(hostEndpoint, func(v4, _ netip.AddrPort) {
		bridge = v4
	})

	pump(t, func() bool { return bridge.IsValid() }, host, client)

	assert.Equal(t, types.ConnectionRelay, client.p.LatestConnectionType())
	assert.Equal(t, types.ConnectionRelay, host.p.LatestConnectionType())

	roundtrip(t, bridge, "hello through the relay", host, client)

	client.p.EndSession(hostEndpoint)
	client.p.EndSession(hostEndpoint)
	pump(t, func() bool { return len(host.p.Sessions()) == 0 }, host, client)

	assert.Len(t, eventsOf[SessionEnded](client.Events()), 1)
}

func TestIntegration_WrongCredentials(t *testing.T) {
	defer leaktest.Check(t)()

	server, stop := startRelay(t)
	defer stop()

	var fatal []string
	host := newLivePeer(t, server, false, func(c *config.SessionConfig) {
		c.Credentials.Password = "not the password"
		c.OnFatalError = func(msg string) {
			fatal = append(fatal, msg)
		}
	})
	defer func() { assert.NoError(t, host.p.Dispose()) }()

	host.p.InitializeHosting(7777, nil)

	pump(t, func() bool { return len(fatal) > 0 }, host)

	errs := eventsOf[FatalError](host.Events())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, relaysess.ErrRelayAuth)
	assert.Empty(t, eventsOf[ServerPrepared](host.Events()))
}
