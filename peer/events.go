package peer

import (
	"fmt"
	"net/netip"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
)

// Event is everything the Peer reports outwards. Events are queued while the peer works,
// and handed to callbacks and the observer, in order, right before a public method returns.
type Event interface {
	EventName() string
}

// FatalError reports an unrecoverable condition, such as the relay rejecting our credentials.
type FatalError struct {
	Err error
}

func (f FatalError) EventName() string { return "FatalError" }

// ServerPrepared is emitted once per hosting, with the endpoint joining peers should be given.
type ServerPrepared struct {
	Endpoint netip.AddrPort
	Relayed  bool
}

func (s ServerPrepared) EventName() string { return "ServerPrepared" }

// ClientPrepared is emitted once a joining session has a route, the game transport should connect to the bridges.
type ClientPrepared struct {
	Session key.SessionID
	Remote  netip.AddrPort

	BridgeV4 netip.AddrPort
	BridgeV6 gonull.Nullable[netip.AddrPort]

	Type types.ConnectionType
}

func (c ClientPrepared) EventName() string { return "ClientPrepared" }

// RouteSelected is emitted on both sides, whenever a session settles on a route.
type RouteSelected struct {
	Session key.SessionID
	Hosting bool
	Route   netip.AddrPort
	Type    types.ConnectionType
}

func (r RouteSelected) EventName() string { return "RouteSelected" }

// OfferFailed is emitted when punchthrough didn't work out, and the session falls back to the relay.
type OfferFailed struct {
	Session key.SessionID
	Remote  netip.AddrPort
	Err     error
}

func (o OfferFailed) EventName() string { return "OfferFailed" }

type SessionEnded struct {
	Session key.SessionID
	Remote  netip.AddrPort
	Reason  string
}

func (s SessionEnded) EventName() string {
	return fmt.Sprintf("SessionEnded(%s)", s.Reason)
}
