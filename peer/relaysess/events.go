package relaysess

import (
	"fmt"
	"net/netip"
	"time"
)

// Event is returned by the Session for every externally visible transition.
type Event interface {
	EventName() string
}

type Allocated struct {
	AllocationID string
	Relayed      netip.AddrPort
	Mapped       netip.AddrPort
	Lifetime     time.Duration
}

func (a Allocated) EventName() string { return "allocated" }

type AllocationFailed struct {
	Err error
}

func (a AllocationFailed) EventName() string { return "allocation-failed" }

type Refreshed struct {
	Expiry time.Time
}

func (r Refreshed) EventName() string { return "refreshed" }

// RefreshRetry is emitted when a refresh went unanswered and is retried.
type RefreshRetry struct {
	Failures int
	Interval time.Duration
}

func (r RefreshRetry) EventName() string {
	return fmt.Sprintf("refresh-retry(%d)", r.Failures)
}

// Lost is emitted when an established allocation is torn down involuntarily.
type Lost struct {
	Err error
}

func (l Lost) EventName() string { return "lost" }
