package relay

import (
	"time"

	pstun "github.com/pion/stun"
)

const (
	// AttrOrigin carries the game origin alongside the long-term credentials.
	AttrOrigin pstun.AttrType = 0x802F

	// AttrAllocationID carries a server-assigned allocation identifier.
	// It sits in the comprehension-optional private range, servers that don't know it won't send it.
	AttrAllocationID pstun.AttrType = 0xC001
)

// Error codes the client reacts to, see RFC 5389 section 15.6 and RFC 5766 section 15.
const (
	CodeBadRequest           = 400
	CodeUnauthorized         = 401
	CodeAllocationMismatch   = 437
	CodeStaleNonce           = 438
	CodeWrongCredentials     = 441
	CodeAllocQuotaReached    = 486
	CodeServerError          = 500
	CodeInsufficientCapacity = 508
)

const (
	// transportUDP is the protocol number for REQUESTED-TRANSPORT.
	transportUDP = 17

	// MaxLifetime is the largest lifetime a server will grant.
	MaxLifetime = time.Hour
)
