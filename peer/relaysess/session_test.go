package relaysess

import (
	"net/netip"
	"testing"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/ifaces"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/relay"
	pstun "github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	dummyServer  = netip.MustParseAddrPort("192.0.2.1:3478")
	dummyRelayed = netip.MustParseAddrPort("192.0.2.1:50000")
	dummyMapped  = netip.MustParseAddrPort("203.0.113.5:40000")
	dummyPeer    = netip.MustParseAddrPort("198.51.100.9:1234")
	dummyNow     = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	dummyCreds = types.Credentials{Username: "player", Password: "s3cret", Origin: "game.example"}
)

type harness struct {
	s    *Session
	sent []*relay.Message
}

func mkHarness(t *testing.T, mut func(o *Options)) *harness {
	t.Helper()

	h := &harness{}

	opts := Options{
		Server:              dummyServer,
		Credentials:         dummyCreds,
		RequestTimeout:      200 * time.Millisecond,
		RelayRequestTimeout: 100 * time.Millisecond,
		MaxAttempts:         8,
		Lifetime:            60 * time.Second,
		RefreshTime:         30 * time.Second,
		Sender: ifaces.PacketSenderFunc(func(pkt []byte, to netip.AddrPort) error {
			require.Equal(t, dummyServer, to)
			m, err := relay.Parse(pkt)
			require.NoError(t, err)
			h.sent = append(h.sent, m)
			return nil
		}),
	}
	if mut != nil {
		mut(&opts)
	}

	h.s = New(opts)
	return h
}

func (h *harness) last() *relay.Message {
	return h.sent[len(h.sent)-1]
}

func (h *harness) reply(t *testing.T, now time.Time, pkt []byte) Event {
	t.Helper()

	m, err := relay.Parse(pkt)
	require.NoError(t, err)

	return h.s.Handle(now, m)
}

func (h *harness) challenge(t *testing.T, now time.Time) Event {
	return h.reply(t, now, relay.ErrorResponse(pstun.MethodAllocate, h.last().TxID, relay.CodeUnauthorized, "Unauthorized", "gamelink", "nonce-1"))
}

// allocate runs a full challenge + authenticated allocation.
func (h *harness) allocate(t *testing.T, now time.Time) Allocated {
	t.Helper()

	h.s.Allocate(now)
	require.Nil(t, h.challenge(t, now))

	ev := h.reply(t, now, relay.AllocateSuccess(h.last().TxID, dummyRelayed, dummyMapped, 10*time.Minute, "alloc-1"))
	require.IsType(t, Allocated{}, ev)

	return ev.(Allocated)
}

func TestAllocate_ChallengeThenSuccess(t *testing.T) {
	h := mkHarness(t, nil)

	h.s.Allocate(dummyNow)
	assert.Equal(t, StateAllocating, h.s.State())
	require.Len(t, h.sent, 1)
	assert.False(t, h.sent[0].Authenticated())

	assert.Nil(t, h.challenge(t, dummyNow))
	require.Len(t, h.sent, 2)

	authed := h.sent[1]
	assert.True(t, authed.Authenticated())
	assert.Equal(t, "player", authed.Username)
	assert.Equal(t, "game.example", authed.Origin)
	assert.Equal(t, "nonce-1", authed.Nonce)
	assert.NoError(t, authed.CheckIntegrity("s3cret"))

	ev := h.reply(t, dummyNow, relay.AllocateSuccess(authed.TxID, dummyRelayed, dummyMapped, 10*time.Minute, "alloc-1"))
	assert.Equal(t, Allocated{
		AllocationID: "alloc-1",
		Relayed:      dummyRelayed,
		Mapped:       dummyMapped,
		Lifetime:     60 * time.Second,
	}, ev)

	assert.Equal(t, StateAllocated, h.s.State())
	assert.Equal(t, dummyNow.Add(30*time.Second), h.s.NextRefresh())
	assert.Equal(t, dummyNow.Add(60*time.Second), h.s.Expiry())
}

func TestAllocate_GeneratesIDWhenServerOmitsIt(t *testing.T) {
	h := mkHarness(t, nil)
	h.s.Allocate(dummyNow)

	ev := h.reply(t, dummyNow, relay.AllocateSuccess(h.last().TxID, dummyRelayed, dummyMapped, 30*time.Second, ""))
	require.IsType(t, Allocated{}, ev)

	assert.NotEmpty(t, ev.(Allocated).AllocationID)
	assert.Equal(t, 30*time.Second, ev.(Allocated).Lifetime, "shorter server lifetime wins")
}

func TestAllocate_Failures(t *testing.T) {
	for name, tc := range map[string]struct {
		code int
		err  error
	}{
		"wrong credentials": {relay.CodeWrongCredentials, ErrRelayAuth},
		"quota":             {relay.CodeAllocQuotaReached, ErrRelayCapacity},
		"capacity":          {relay.CodeInsufficientCapacity, ErrRelayCapacity},
		"server error":      {relay.CodeServerError, ErrRelayRejected},
	} {
		t.Run(name, func(t *testing.T) {
			h := mkHarness(t, nil)
			h.s.Allocate(dummyNow)

			ev := h.reply(t, dummyNow, relay.ErrorResponse(pstun.MethodAllocate, h.last().TxID, tc.code, "nope", "", ""))
			require.IsType(t, AllocationFailed{}, ev)
			assert.ErrorIs(t, ev.(AllocationFailed).Err, tc.err)
			assert.Equal(t, StateClosed, h.s.State())
		})
	}
}

func TestAllocate_RejectedCredentials(t *testing.T) {
	h := mkHarness(t, nil)
	h.s.Allocate(dummyNow)
	h.challenge(t, dummyNow)

	// a second challenge, after authenticating, means the credentials are wrong
	ev := h.challenge(t, dummyNow)
	require.IsType(t, AllocationFailed{}, ev)
	assert.ErrorIs(t, ev.(AllocationFailed).Err, ErrRelayAuth)
}

func TestAllocate_StaleNonce(t *testing.T) {
	h := mkHarness(t, nil)
	h.s.Allocate(dummyNow)
	h.challenge(t, dummyNow)

	ev := h.reply(t, dummyNow, relay.ErrorResponse(pstun.MethodAllocate, h.last().TxID, relay.CodeStaleNonce, "Stale Nonce", "gamelink", "nonce-2"))
	assert.Nil(t, ev)
	assert.Equal(t, "nonce-2", h.last().Nonce)
	assert.Equal(t, StateAllocating, h.s.State())
}

func TestAllocate_Timeout(t *testing.T) {
	h := mkHarness(t, nil)
	h.s.Allocate(dummyNow)

	assert.Nil(t, h.s.Tick(dummyNow.Add(100*time.Millisecond)))
	assert.Len(t, h.sent, 2, "resent once, halfway")

	ev := h.s.Tick(dummyNow.Add(200 * time.Millisecond))
	require.IsType(t, AllocationFailed{}, ev)
	assert.ErrorIs(t, ev.(AllocationFailed).Err, ErrRelayTimeout)

	// no automatic retry
	assert.Nil(t, h.s.Tick(dummyNow.Add(time.Second)))
	assert.Len(t, h.sent, 2)
}

func TestHandle_IgnoresForeignTx(t *testing.T) {
	h := mkHarness(t, nil)
	h.s.Allocate(dummyNow)

	ev := h.reply(t, dummyNow, relay.AllocateSuccess(key.NewTxID(), dummyRelayed, dummyMapped, time.Minute, "x"))
	assert.Nil(t, ev)
	assert.Equal(t, StateAllocating, h.s.State())
}

func TestRefresh_Success(t *testing.T) {
	h := mkHarness(t, nil)
	h.allocate(t, dummyNow)
	sent := len(h.sent)

	assert.Nil(t, h.s.Tick(dummyNow.Add(29*time.Second)))
	assert.Len(t, h.sent, sent)

	refreshAt := dummyNow.Add(30 * time.Second)
	assert.Nil(t, h.s.Tick(refreshAt))
	require.Len(t, h.sent, sent+1)
	assert.Equal(t, pstun.MethodRefresh, h.last().Method)
	assert.Equal(t, 60*time.Second, h.last().Lifetime)

	ackAt := refreshAt.Add(50 * time.Millisecond)
	ev := h.reply(t, ackAt, relay.RefreshSuccess(h.last().TxID, 60*time.Second))
	assert.Equal(t, Refreshed{Expiry: ackAt.Add(60 * time.Second)}, ev)
	assert.Equal(t, ackAt.Add(30*time.Second), h.s.NextRefresh())
}

// Nine consecutive refresh timeouts: the retry interval doubles from 0.1s up to 12.8s,
// and the eighth miss exhausts the session.
func TestRefresh_BackoffExhaustion(t *testing.T) {
	h := mkHarness(t, nil)
	h.allocate(t, dummyNow)

	now := dummyNow.Add(30 * time.Second)
	require.Nil(t, h.s.Tick(now))
	refreshes := 1

	var observed []time.Duration
	var lost Event

	for i := 0; i < 9 && lost == nil; i++ {
		interval := h.s.RetryInterval()
		observed = append(observed, interval)

		// just before the interval elapses, nothing happens
		require.Nil(t, h.s.Tick(now.Add(interval-time.Millisecond)))

		now = now.Add(interval)
		switch ev := h.s.Tick(now).(type) {
		case RefreshRetry:
			refreshes++
			assert.Equal(t, i+1, ev.Failures)
			assert.Equal(t, 2*interval, ev.Interval)
		case Lost:
			lost = ev
		default:
			t.Fatalf("unexpected event %#v", ev)
		}
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		6400 * time.Millisecond,
		12800 * time.Millisecond,
	}, observed)

	require.NotNil(t, lost)
	assert.ErrorIs(t, lost.(Lost).Err, ErrRefreshExhausted)
	assert.Equal(t, 8, h.s.Failures())
	assert.Equal(t, 8, refreshes)
	assert.Equal(t, StateClosed, h.s.State())

	// no further refresh is attempted
	sent := len(h.sent)
	assert.Nil(t, h.s.Tick(now.Add(time.Minute)))
	assert.Len(t, h.sent, sent)
}

func TestRefresh_SuccessResetsBackoff(t *testing.T) {
	h := mkHarness(t, nil)
	h.allocate(t, dummyNow)

	now := dummyNow.Add(30 * time.Second)
	h.s.Tick(now)
	now = now.Add(100 * time.Millisecond)
	require.IsType(t, RefreshRetry{}, h.s.Tick(now))
	now = now.Add(200 * time.Millisecond)
	require.IsType(t, RefreshRetry{}, h.s.Tick(now))
	assert.Equal(t, 400*time.Millisecond, h.s.RetryInterval())
	assert.Equal(t, 2, h.s.Failures())

	ev := h.reply(t, now, relay.RefreshSuccess(h.last().TxID, 60*time.Second))
	require.IsType(t, Refreshed{}, ev)

	assert.Equal(t, 100*time.Millisecond, h.s.RetryInterval())
	assert.Zero(t, h.s.Failures())
	assert.Equal(t, now.Add(30*time.Second), h.s.NextRefresh())
}

func TestRefresh_RetriesKeepTransaction(t *testing.T) {
	h := mkHarness(t, nil)
	h.allocate(t, dummyNow)

	now := dummyNow.Add(30 * time.Second)
	require.Nil(t, h.s.Tick(now))
	first := h.last().TxID

	now = now.Add(100 * time.Millisecond)
	require.IsType(t, RefreshRetry{}, h.s.Tick(now))
	assert.Equal(t, pstun.MethodRefresh, h.last().Method)
	assert.Equal(t, first, h.last().TxID)
	assert.Equal(t, 1, h.s.Failures())

	// the answer to the first attempt arrives after the retry went out
	ackAt := now.Add(30 * time.Millisecond)
	ev := h.reply(t, ackAt, relay.RefreshSuccess(first, 60*time.Second))
	assert.Equal(t, Refreshed{Expiry: ackAt.Add(60 * time.Second)}, ev)
	assert.Zero(t, h.s.Failures())
	assert.Equal(t, 100*time.Millisecond, h.s.RetryInterval())

	// the next refresh starts a new transaction
	require.Nil(t, h.s.Tick(ackAt.Add(30*time.Second)))
	assert.NotEqual(t, first, h.last().TxID)
}

func TestRefresh_StaleNonceIsNotAFailure(t *testing.T) {
	h := mkHarness(t, nil)
	h.allocate(t, dummyNow)

	now := dummyNow.Add(30 * time.Second)
	h.s.Tick(now)

	ev := h.reply(t, now, relay.ErrorResponse(pstun.MethodRefresh, h.last().TxID, relay.CodeStaleNonce, "Stale Nonce", "gamelink", "nonce-9"))
	assert.Nil(t, ev)
	assert.Zero(t, h.s.Failures())
	assert.Equal(t, "nonce-9", h.last().Nonce)
	assert.NoError(t, h.last().CheckIntegrity("s3cret"))
}

func TestRefresh_ServerForgotAllocation(t *testing.T) {
	h := mkHarness(t, nil)
	h.allocate(t, dummyNow)

	now := dummyNow.Add(30 * time.Second)
	h.s.Tick(now)

	ev := h.reply(t, now, relay.ErrorResponse(pstun.MethodRefresh, h.last().TxID, relay.CodeAllocationMismatch, "Allocation Mismatch", "", ""))
	require.IsType(t, Lost{}, ev)
	assert.ErrorIs(t, ev.(Lost).Err, ErrRelayExpired)
}

// With a retry budget too large to exhaust, the absolute expiry still tears the session down.
func TestRefresh_AbsoluteExpiry(t *testing.T) {
	h := mkHarness(t, func(o *Options) {
		o.MaxAttempts = 100
	})
	h.allocate(t, dummyNow)

	now := dummyNow.Add(30 * time.Second)
	h.s.Tick(now)

	var lost Event
	for lost == nil {
		now = now.Add(h.s.RetryInterval())
		if ev, ok := h.s.Tick(now).(Lost); ok {
			lost = ev
		}
	}

	assert.ErrorIs(t, lost.(Lost).Err, ErrRelayExpired)
	assert.False(t, now.Before(dummyNow.Add(60*time.Second)))
	assert.Less(t, h.s.Failures(), 100)
}

func TestEndSession(t *testing.T) {
	h := mkHarness(t, nil)
	h.allocate(t, dummyNow)
	sent := len(h.sent)

	h.s.EndSession()
	assert.Equal(t, StateClosed, h.s.State())
	require.Len(t, h.sent, sent+1)

	release := h.last()
	assert.Equal(t, pstun.MethodRefresh, release.Method)
	assert.True(t, release.HasLifetime)
	assert.Zero(t, release.Lifetime)

	// idempotent, and no timers fire afterwards
	h.s.EndSession()
	assert.Nil(t, h.s.Tick(dummyNow.Add(time.Hour)))
	assert.Len(t, h.sent, sent+1)

	assert.ErrorIs(t, h.s.Send(dummyPeer, []byte("x")), ErrNotAllocated)
}

func TestEndSession_NeverAllocated(t *testing.T) {
	h := mkHarness(t, nil)

	h.s.EndSession()
	h.s.EndSession()

	assert.Equal(t, StateClosed, h.s.State())
	assert.Empty(t, h.sent)
}

func TestSend(t *testing.T) {
	h := mkHarness(t, nil)

	assert.ErrorIs(t, h.s.Send(dummyPeer, []byte("x")), ErrNotAllocated)

	h.allocate(t, dummyNow)
	require.NoError(t, h.s.Send(dummyPeer, []byte("game")))

	assert.Equal(t, pstun.MethodSend, h.last().Method)
	assert.Equal(t, dummyPeer, h.last().Peer)
	assert.Equal(t, []byte("game"), h.last().Data)
}
