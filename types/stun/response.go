package stun

import (
	"net/netip"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	pstun "github.com/pion/stun"
)

// Response generates a binding response.
func Response(txID key.TxID, addrPort netip.AddrPort) []byte {
	xor := XORFromAddrPort(addrPort)

	m, err := pstun.Build(
		pstun.NewTransactionIDSetter(txID),
		pstun.BindingSuccess,
		&xor,
		pstun.Fingerprint,
	)
	if err != nil {
		return nil
	}

	return m.Raw
}

// ParseResponse parses a successful binding response STUN packet.
// The IP address is extracted from the XOR-MAPPED-ADDRESS attribute.
func ParseResponse(b []byte) (tID key.TxID, addr netip.AddrPort, err error) {
	m, err := Decode(b)
	if err != nil {
		return tID, netip.AddrPort{}, err
	}
	tID = m.TransactionID

	if m.Type != pstun.BindingSuccess {
		return tID, netip.AddrPort{}, ErrNotSuccessResponse
	}

	return tID, addr, parseMapped(m, &addr)
}

// parseMapped reads the addr+port reported by XOR-MAPPED-ADDRESS as the
// canonical value. If the attribute is not present but the STUN server
// responds with MAPPED-ADDRESS we fall back to it.
func parseMapped(m *pstun.Message, out *netip.AddrPort) error {
	var xor pstun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		if ap, ok := AddrPortFromXOR(xor); ok {
			*out = ap
			return nil
		}
	}

	var mapped pstun.MappedAddress
	if err := mapped.GetFrom(m); err == nil {
		if ip, ok := netip.AddrFromSlice(mapped.IP); ok {
			*out = types.NormaliseAddrPort(netip.AddrPortFrom(ip, uint16(mapped.Port)))
			return nil
		}
	}

	return ErrMalformedAttrs
}
