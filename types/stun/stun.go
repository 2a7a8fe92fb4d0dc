// Package stun builds and parses the STUN binding messages used for server-reflexive address discovery.
package stun

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	pstun "github.com/pion/stun"
)

const (
	DefaultPort = 3478

	// Software is sent in the SOFTWARE attribute of every request.
	Software = "gamelink"
)

// Is reports whether b is a STUN message.
func Is(b []byte) bool {
	return pstun.IsMessage(b)
}

// Decode parses b into a STUN message. b is copied, so the caller may reuse it.
func Decode(b []byte) (*pstun.Message, error) {
	if !Is(b) {
		return nil, ErrNotSTUN
	}

	m := &pstun.Message{Raw: slices.Clone(b)}
	if err := m.Decode(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSTUN, err)
	}

	return m, nil
}

// Request generates a binding request STUN packet.
// The transaction ID, tID, should be a random sequence of bytes.
func Request(tID key.TxID) []byte {
	m := pstun.MustBuild(
		pstun.NewTransactionIDSetter(tID),
		pstun.BindingRequest,
		pstun.NewSoftware(Software),
		pstun.Fingerprint,
	)

	return m.Raw
}

// ParseBindingRequest parses a STUN binding request, and returns its transaction ID.
//
// A fingerprint is not required, but it has to be valid when present.
func ParseBindingRequest(b []byte) (key.TxID, error) {
	m, err := Decode(b)
	if err != nil {
		return key.TxID{}, err
	}

	if m.Type != pstun.BindingRequest {
		return key.TxID{}, ErrNotBindingRequest
	}

	if m.Contains(pstun.AttrFingerprint) {
		if err := pstun.Fingerprint.Check(m); err != nil {
			return key.TxID{}, ErrWrongFingerprint
		}
	}

	return m.TransactionID, nil
}

// AddrPortFromXOR converts a pion address attribute into a normalised AddrPort.
func AddrPortFromXOR(a pstun.XORMappedAddress) (netip.AddrPort, bool) {
	ip, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return netip.AddrPort{}, false
	}

	return types.NormaliseAddrPort(netip.AddrPortFrom(ip, uint16(a.Port))), true
}

// XORFromAddrPort is the inverse of AddrPortFromXOR.
func XORFromAddrPort(ap netip.AddrPort) pstun.XORMappedAddress {
	ap = types.NormaliseAddrPort(ap)

	return pstun.XORMappedAddress{
		IP:   ap.Addr().AsSlice(),
		Port: int(ap.Port()),
	}
}
