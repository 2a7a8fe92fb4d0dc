package relaysess

import "errors"

var (
	// Allocation failures. These are final, the session is not retried.
	ErrRelayAuth     = errors.New("relay rejected our credentials")
	ErrRelayCapacity = errors.New("relay is at capacity")
	ErrRelayTimeout  = errors.New("relay did not answer in time")
	ErrRelayRejected = errors.New("relay rejected the allocation")

	// Failures of an established allocation, the session is torn down.
	ErrRefreshExhausted = errors.New("relay connection lost: refresh attempts exhausted")
	ErrRelayExpired     = errors.New("relay connection lost: allocation expired")

	ErrNotAllocated = errors.New("relay session has no allocation")
)
