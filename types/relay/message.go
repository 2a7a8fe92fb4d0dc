package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/stun"
	pstun "github.com/pion/stun"
)

var (
	ErrNotRelayMessage = errors.New("not a relay protocol message")
	ErrMissingAttr     = errors.New("relay message misses a required attribute")
)

// Message is a parsed relay protocol message, with the attributes this protocol uses lifted out.
type Message struct {
	Method pstun.Method
	Class  pstun.MessageClass
	TxID   key.TxID

	// Set on error responses.
	ErrorCode int
	Reason    string

	Realm    string
	Nonce    string
	Username string
	Origin   string

	// Lifetime is only meaningful when HasLifetime is set.
	Lifetime    time.Duration
	HasLifetime bool

	Relayed netip.AddrPort
	Mapped  netip.AddrPort
	Peer    netip.AddrPort

	AllocationID string
	Data         []byte

	raw *pstun.Message
}

// IsResponse reports whether the message is a success or error response.
func (m *Message) IsResponse() bool {
	return m.Class == pstun.ClassSuccessResponse || m.Class == pstun.ClassErrorResponse
}

// Authenticated reports whether the message carries MESSAGE-INTEGRITY.
func (m *Message) Authenticated() bool {
	return m.raw.Contains(pstun.AttrMessageIntegrity)
}

// CheckIntegrity verifies the long-term credential integrity of the message for the given password.
func (m *Message) CheckIntegrity(password string) error {
	return pstun.NewLongTermIntegrity(m.Username, m.Realm, password).Check(m.raw)
}

func (m *Message) Debug() string {
	if m.Class == pstun.ClassErrorResponse {
		return fmt.Sprintf("%s %s tx=%x code=%d reason=%q", m.Method, m.Class, m.TxID, m.ErrorCode, m.Reason)
	}
	return fmt.Sprintf("%s %s tx=%x", m.Method, m.Class, m.TxID)
}

// Parse decodes a relay protocol message.
func Parse(b []byte) (*Message, error) {
	raw, err := stun.Decode(b)
	if err != nil {
		return nil, err
	}

	switch raw.Type.Method {
	case pstun.MethodAllocate, pstun.MethodRefresh, pstun.MethodSend, pstun.MethodData:
	default:
		return nil, ErrNotRelayMessage
	}

	m := &Message{
		Method: raw.Type.Method,
		Class:  raw.Type.Class,
		TxID:   raw.TransactionID,
		raw:    raw,
	}

	if m.Class == pstun.ClassErrorResponse {
		var ec pstun.ErrorCodeAttribute
		if err := ec.GetFrom(raw); err != nil {
			return nil, fmt.Errorf("%w: error-code: %w", ErrMissingAttr, err)
		}
		m.ErrorCode = int(ec.Code)
		m.Reason = string(ec.Reason)
	}

	m.Realm = getString(raw, pstun.AttrRealm)
	m.Nonce = getString(raw, pstun.AttrNonce)
	m.Username = getString(raw, pstun.AttrUsername)
	m.Origin = getString(raw, AttrOrigin)
	m.AllocationID = getString(raw, AttrAllocationID)

	if v, err := raw.Get(pstun.AttrLifetime); err == nil && len(v) == 4 {
		m.Lifetime = time.Duration(binary.BigEndian.Uint32(v)) * time.Second
		m.HasLifetime = true
	}

	m.Relayed = getAddr(raw, pstun.AttrXORRelayedAddress)
	m.Mapped = getAddr(raw, pstun.AttrXORMappedAddress)
	m.Peer = getAddr(raw, pstun.AttrXORPeerAddress)

	if v, err := raw.Get(pstun.AttrData); err == nil {
		m.Data = v
	}

	switch {
	case m.Class == pstun.ClassIndication && (!m.Peer.IsValid() || m.Data == nil):
		return nil, fmt.Errorf("%w: indication needs peer and data", ErrMissingAttr)
	case m.Method == pstun.MethodAllocate && m.Class == pstun.ClassSuccessResponse && !m.Relayed.IsValid():
		return nil, fmt.Errorf("%w: allocate response needs relayed address", ErrMissingAttr)
	}

	return m, nil
}

func getString(m *pstun.Message, t pstun.AttrType) string {
	v, err := m.Get(t)
	if err != nil {
		return ""
	}
	return string(v)
}

func getAddr(m *pstun.Message, t pstun.AttrType) netip.AddrPort {
	var xor pstun.XORMappedAddress
	if err := xor.GetFromAs(m, t); err != nil {
		return netip.AddrPort{}
	}

	ap, _ := stun.AddrPortFromXOR(xor)
	return ap
}
