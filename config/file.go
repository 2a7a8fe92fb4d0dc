package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the on-disk form of a SessionConfig. Durations are given in (fractional) seconds.
type fileConfig struct {
	RelayServer string  `toml:"relay_server"`
	RelayPort   *uint16 `toml:"relay_port"`
	Region      *Region `toml:"region"`
	GameID      string  `toml:"game_id"`

	ForceRelayOnly         *bool `toml:"force_relay_only"`
	EnableIPv6             *bool `toml:"enable_ipv6"`
	SimpleAddressGathering *bool `toml:"simple_address_gathering"`

	RequestTimeout          *float64 `toml:"request_timeout"`
	RelayRequestTimeout     *float64 `toml:"relay_request_timeout"`
	RelayRefreshMaxAttempts *int     `toml:"relay_refresh_max_attempts"`
	RelayLifetime           *float64 `toml:"relay_lifetime"`
	RelayRefreshTime        *float64 `toml:"relay_refresh_time"`
}

// Load reads a TOML session config file, filling in defaults for everything it doesn't set.
//
// A malformed game_id is logged and leaves the credentials empty, the relay then rejects them later on.
func Load(path string) (SessionConfig, error) {
	var fc fileConfig

	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return SessionConfig{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrConfiguration, path, strings.Join(keys, ", "))
	}

	return fc.sessionConfig()
}

func (fc *fileConfig) sessionConfig() (SessionConfig, error) {
	c := Default()

	creds, err := ParseGameID(fc.GameID)
	if err != nil {
		slog.Warn("ignoring game id", "err", err)
	}
	c.Credentials = creds

	c.RelayServerAddress = fc.RelayServer
	setIf(&c.RelayServerPort, fc.RelayPort)
	setIf(&c.Region, fc.Region)
	setIf(&c.ForceRelayOnly, fc.ForceRelayOnly)
	setIf(&c.EnableIPv6, fc.EnableIPv6)
	setIf(&c.UseSimpleAddressGathering, fc.SimpleAddressGathering)
	setIf(&c.RelayRefreshMaxAttempts, fc.RelayRefreshMaxAttempts)

	setSeconds(&c.RequestTimeout, fc.RequestTimeout)
	setSeconds(&c.RelayRequestTimeout, fc.RelayRequestTimeout)
	setSeconds(&c.RelayLifetime, fc.RelayLifetime)
	setSeconds(&c.RelayRefreshTime, fc.RelayRefreshTime)

	if err := c.Validate(); err != nil {
		return SessionConfig{}, err
	}

	return c, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Seconds converts fractional seconds, as used in config files, into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func setSeconds(dst *time.Duration, v *float64) {
	if v != nil {
		*dst = Seconds(*v)
	}
}
