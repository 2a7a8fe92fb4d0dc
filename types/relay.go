package types

import (
	"net/netip"

	"github.com/LukaGiorgadze/gonull"
)

// DefaultRelayPort is the UDP port relay servers listen on when no override is given.
const DefaultRelayPort uint16 = 3478

// RelayInformation describes how to reach one relay server.
type RelayInformation struct {
	// The host name of the relay, to try to resolve.
	//
	// Can be empty ("") with IPs set.
	Domain string

	// Forced IPs to try to connect to, bypasses Domain DNS lookup
	IPs gonull.Nullable[[]netip.Addr]

	// Optional port override. (Default 3478)
	Port gonull.Nullable[uint16]
}

// PortOrDefault returns the configured port, or DefaultRelayPort.
func (ri RelayInformation) PortOrDefault() uint16 {
	if ri.Port.Valid {
		return ri.Port.Val
	}

	return DefaultRelayPort
}
