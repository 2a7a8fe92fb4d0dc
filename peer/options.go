package peer

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edup2p/gamelink/config"
	"github.com/edup2p/gamelink/peer/gather"
	"github.com/edup2p/gamelink/types"
)

// Options carries the collaborators of a Peer. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// Conn is adopted as the external socket when set, the Peer closes it on Dispose.
	Conn types.UDPConn
	// ListenAddr is bound when Conn is not set. Defaults to the wildcard address, dual-stack if IPv6 is enabled.
	ListenAddr netip.AddrPort

	InterfaceAddrs gather.AddrSource
	Resolver       *config.Resolver

	// Observer receives every event, after the callbacks in SessionConfig did.
	Observer func(Event)

	// ProbeInterval is the resend interval of offers, probes, and binds. Defaults to a quarter of the request timeout.
	ProbeInterval time.Duration
}

func (o Options) withDefaults(cfg *config.SessionConfig) Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.InterfaceAddrs == nil {
		o.InterfaceAddrs = gather.SystemAddrs
	}
	if o.Resolver == nil {
		o.Resolver = config.DefaultResolver()
	}
	if o.Resolver.Logger == nil {
		o.Resolver = o.Resolver.WithLogger(o.Logger)
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = cfg.RequestTimeout / 4
	}
	if !o.ListenAddr.IsValid() {
		if cfg.EnableIPv6 {
			o.ListenAddr = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
		} else {
			o.ListenAddr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
		}
	}

	return o
}
