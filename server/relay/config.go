package relay

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Realm string

	// Users maps usernames onto their passwords. When empty, any username is accepted with any password;
	// the client still has to go through the challenge.
	Users map[string]string

	MaxAllocations int
	// MaxLifetime caps what clients can request, it is also the lifetime granted when they request none.
	MaxLifetime time.Duration

	// RelayIP is the address relayed sockets are bound on. Defaults to the listen address.
	RelayIP netip.Addr
	// PublicIP, when set, is advertised in place of the bound address of relayed sockets.
	PublicIP netip.Addr

	Logger     *slog.Logger
	Clock      clock.Clock
	Registerer prometheus.Registerer
}

func (c *Config) withDefaults() Config {
	cc := *c

	if cc.Realm == "" {
		cc.Realm = DefaultRealm
	}
	if cc.MaxAllocations <= 0 {
		cc.MaxAllocations = DefaultMaxAllocs
	}
	if cc.MaxLifetime <= 0 {
		cc.MaxLifetime = DefaultLifetime
	}
	if cc.Logger == nil {
		cc.Logger = slog.Default()
	}
	if cc.Clock == nil {
		cc.Clock = clock.New()
	}

	return cc
}
