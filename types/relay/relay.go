// Package relay implements the wire format of the relay protocol: a TURN-style set of
// STUN-framed allocate, refresh, send, and data messages, with long-term credentials.
//
// Both the client side (relaysess) and the server side (server/relay) build and parse their
// messages through this package.
package relay

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/stun"
	pstun "github.com/pion/stun"
)

// Auth is the long-term credential state for one allocation, as learned from a 401 challenge.
type Auth struct {
	types.Credentials

	Realm string
	Nonce string
}

type rawAttr struct {
	t pstun.AttrType
	v []byte
}

func (a rawAttr) AddTo(m *pstun.Message) error {
	m.Add(a.t, a.v)
	return nil
}

type addrAttr struct {
	t  pstun.AttrType
	ap netip.AddrPort
}

func (a addrAttr) AddTo(m *pstun.Message) error {
	xor := stun.XORFromAddrPort(a.ap)
	return xor.AddToAs(m, a.t)
}

func lifetimeAttr(d time.Duration) rawAttr {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(d/time.Second))
	return rawAttr{pstun.AttrLifetime, v}
}

// authSetters returns the attributes proving knowledge of auth. MESSAGE-INTEGRITY must come last before FINGERPRINT.
func authSetters(auth *Auth) []pstun.Setter {
	if auth == nil || auth.Realm == "" {
		return nil
	}

	s := []pstun.Setter{
		pstun.NewUsername(auth.Username),
		pstun.NewRealm(auth.Realm),
		pstun.NewNonce(auth.Nonce),
	}

	if auth.Origin != "" {
		s = append(s, rawAttr{AttrOrigin, []byte(auth.Origin)})
	}

	return append(s, pstun.NewLongTermIntegrity(auth.Username, auth.Realm, auth.Password))
}

func build(setters ...pstun.Setter) []byte {
	setters = append(setters, pstun.Fingerprint)

	m, err := pstun.Build(setters...)
	if err != nil {
		// Only reachable with malformed attribute values, which we never construct.
		panic(err)
	}

	return m.Raw
}

// AllocateRequest builds an allocation request. With a nil auth the request is unauthenticated,
// which a server is expected to answer with a 401 challenge.
func AllocateRequest(tx key.TxID, lifetime time.Duration, auth *Auth) []byte {
	s := []pstun.Setter{
		pstun.NewTransactionIDSetter(tx),
		pstun.NewType(pstun.MethodAllocate, pstun.ClassRequest),
		pstun.NewSoftware(stun.Software),
		rawAttr{pstun.AttrRequestedTransport, []byte{transportUDP, 0, 0, 0}},
		lifetimeAttr(lifetime),
	}

	return build(append(s, authSetters(auth)...)...)
}

// RefreshRequest builds a refresh request, a zero lifetime asks the server to release the allocation.
func RefreshRequest(tx key.TxID, lifetime time.Duration, auth *Auth) []byte {
	s := []pstun.Setter{
		pstun.NewTransactionIDSetter(tx),
		pstun.NewType(pstun.MethodRefresh, pstun.ClassRequest),
		lifetimeAttr(lifetime),
	}

	return build(append(s, authSetters(auth)...)...)
}

// SendIndication wraps data to be forwarded by the relay to peer.
func SendIndication(peer netip.AddrPort, data []byte) []byte {
	return build(
		pstun.TransactionID,
		pstun.NewType(pstun.MethodSend, pstun.ClassIndication),
		addrAttr{pstun.AttrXORPeerAddress, peer},
		rawAttr{pstun.AttrData, data},
	)
}

// DataIndication wraps data the relay received from peer on a relayed address.
func DataIndication(peer netip.AddrPort, data []byte) []byte {
	return build(
		pstun.TransactionID,
		pstun.NewType(pstun.MethodData, pstun.ClassIndication),
		addrAttr{pstun.AttrXORPeerAddress, peer},
		rawAttr{pstun.AttrData, data},
	)
}

// AllocateSuccess builds the server's answer to a successful allocation.
func AllocateSuccess(tx key.TxID, relayed, mapped netip.AddrPort, lifetime time.Duration, allocID string) []byte {
	return build(
		pstun.NewTransactionIDSetter(tx),
		pstun.NewType(pstun.MethodAllocate, pstun.ClassSuccessResponse),
		addrAttr{pstun.AttrXORRelayedAddress, relayed},
		addrAttr{pstun.AttrXORMappedAddress, mapped},
		lifetimeAttr(lifetime),
		rawAttr{AttrAllocationID, []byte(allocID)},
	)
}

// RefreshSuccess builds the server's answer to a successful refresh.
func RefreshSuccess(tx key.TxID, lifetime time.Duration) []byte {
	return build(
		pstun.NewTransactionIDSetter(tx),
		pstun.NewType(pstun.MethodRefresh, pstun.ClassSuccessResponse),
		lifetimeAttr(lifetime),
	)
}

// ErrorResponse builds an error answer to method. realm and nonce are only included when non-empty.
func ErrorResponse(method pstun.Method, tx key.TxID, code int, reason, realm, nonce string) []byte {
	s := []pstun.Setter{
		pstun.NewTransactionIDSetter(tx),
		pstun.NewType(method, pstun.ClassErrorResponse),
		&pstun.ErrorCodeAttribute{Code: pstun.ErrorCode(code), Reason: []byte(reason)},
	}

	if realm != "" {
		s = append(s, pstun.NewRealm(realm))
	}
	if nonce != "" {
		s = append(s, pstun.NewNonce(nonce))
	}

	return build(s...)
}
