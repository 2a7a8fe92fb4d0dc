// Package config holds the immutable per-peer SessionConfig, and the resolution of relay regions to endpoints.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/edup2p/gamelink/types"
)

// ErrConfiguration is wrapped by every error that stems from invalid configuration.
var ErrConfiguration = errors.New("configuration error")

const (
	DefaultRequestTimeout          = 200 * time.Millisecond
	DefaultRelayRequestTimeout     = 100 * time.Millisecond
	DefaultRelayRefreshMaxAttempts = 8
	DefaultRelayLifetime           = 60 * time.Second
	DefaultRelayRefreshTime        = 30 * time.Second
)

// SessionConfig is handed to a Peer on construction, and copied by it.
// Changing it afterwards has no effect on that Peer.
type SessionConfig struct {
	// RelayServerAddress overrides the Region table when set, as "host" or "host:port".
	RelayServerAddress string
	// RelayServerPort is used when RelayServerAddress carries no port.
	RelayServerPort uint16

	Credentials types.Credentials
	Region      Region

	ForceRelayOnly            bool
	EnableIPv6                bool
	UseSimpleAddressGathering bool

	// RequestTimeout bounds candidate gathering, punchthrough negotiation, and relay allocation.
	RequestTimeout time.Duration
	// RelayRequestTimeout is the initial wait for a refresh answer, it doubles on every miss.
	RelayRequestTimeout     time.Duration
	RelayRefreshMaxAttempts int
	RelayLifetime           time.Duration
	RelayRefreshTime        time.Duration

	// OnFatalError is called at most once per unrecoverable condition.
	OnFatalError func(msg string)
	// OnOfferFailed is called when punchthrough fails and the peer falls back to the relay.
	OnOfferFailed func()
}

// Default returns a SessionConfig with every tunable at its default.
func Default() SessionConfig {
	return SessionConfig{
		RelayServerPort:         types.DefaultRelayPort,
		Region:                  Auto,
		EnableIPv6:              true,
		RequestTimeout:          DefaultRequestTimeout,
		RelayRequestTimeout:     DefaultRelayRequestTimeout,
		RelayRefreshMaxAttempts: DefaultRelayRefreshMaxAttempts,
		RelayLifetime:           DefaultRelayLifetime,
		RelayRefreshTime:        DefaultRelayRefreshTime,
	}
}

// Validate checks the config for values the state machines can't work with.
func (c *SessionConfig) Validate() error {
	switch {
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive, got %s", ErrConfiguration, c.RequestTimeout)
	case c.RelayRequestTimeout <= 0:
		return fmt.Errorf("%w: relay request timeout must be positive, got %s", ErrConfiguration, c.RelayRequestTimeout)
	case c.RelayRefreshMaxAttempts <= 0:
		return fmt.Errorf("%w: relay refresh attempts must be positive, got %d", ErrConfiguration, c.RelayRefreshMaxAttempts)
	case c.RelayLifetime <= 0:
		return fmt.Errorf("%w: relay lifetime must be positive, got %s", ErrConfiguration, c.RelayLifetime)
	case c.RelayRefreshTime <= 0 || c.RelayRefreshTime >= c.RelayLifetime:
		return fmt.Errorf("%w: relay refresh time must be between zero and the lifetime, got %s", ErrConfiguration, c.RelayRefreshTime)
	}

	if _, err := ParseRegion(c.Region.String()); err != nil {
		return err
	}

	return nil
}

// RelayServer returns the relay endpoint to use, an explicit address takes precedence over the region table.
func (c *SessionConfig) RelayServer(ctx context.Context, r *Resolver) (netip.AddrPort, error) {
	if c.RelayServerAddress == "" {
		return r.Resolve(ctx, c.Region)
	}

	host, portStr, err := net.SplitHostPort(c.RelayServerAddress)
	if err != nil {
		host = c.RelayServerAddress
		portStr = strconv.Itoa(int(c.RelayServerPort))
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid relay server port %q", ErrConfiguration, portStr)
	}

	addr, err := r.lookup(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}

	return netip.AddrPortFrom(addr, uint16(port)), nil
}
