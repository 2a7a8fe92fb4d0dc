package types

import (
	"fmt"
	"net/netip"
)

// CandidateKind says how a Candidate was discovered.
type CandidateKind byte

const (
	// LocalCandidate is an address on one of our own interfaces.
	LocalCandidate CandidateKind = iota
	// ServerReflexiveCandidate is our address as seen by the relay server.
	ServerReflexiveCandidate
	// RelayBridgeCandidate is an address allocated for us on the relay server.
	RelayBridgeCandidate
)

func (k CandidateKind) String() string {
	switch k {
	case LocalCandidate:
		return "local"
	case ServerReflexiveCandidate:
		return "srflx"
	case RelayBridgeCandidate:
		return "relay"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Candidate is one address a peer might be reachable on. Candidates are values and are never mutated.
type Candidate struct {
	Kind     CandidateKind
	AddrPort netip.AddrPort
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%s", c.Kind, c.AddrPort)
}

// CandidateAddrs returns the addresses of cs, in order.
func CandidateAddrs(cs []Candidate) []netip.AddrPort {
	return Map(cs, func(c Candidate) netip.AddrPort {
		return c.AddrPort
	})
}

// ConnectionType is the route a session ended up using.
type ConnectionType byte

const (
	ConnectionNone ConnectionType = iota
	ConnectionRelay
	ConnectionPunchthrough
	ConnectionDirect
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionNone:
		return "none"
	case ConnectionDirect:
		return "direct"
	case ConnectionPunchthrough:
		return "punchthrough"
	case ConnectionRelay:
		return "relay"
	default:
		return fmt.Sprintf("conntype(%d)", byte(t))
	}
}

// Better reports whether t is a more preferred route than o.
func (t ConnectionType) Better(o ConnectionType) bool {
	return t > o
}
