package config

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dummyCreds = types.Credentials{Username: "player", Password: "s3cret", Origin: "game.example"}

func TestParseGameID(t *testing.T) {
	creds, err := ParseGameID(EncodeGameID(dummyCreds))
	require.NoError(t, err)
	assert.Equal(t, dummyCreds, creds)
}

func TestParseGameID_Empty(t *testing.T) {
	creds, err := ParseGameID("")
	assert.NoError(t, err)
	assert.True(t, creds.IsZero())
}

func TestParseGameID_Malformed(t *testing.T) {
	for name, id := range map[string]string{
		"not base64":   "!!!not-base64!!!",
		"two fields":   "b3JpZ2luCnVzZXI=",           // "origin\nuser"
		"four fields":  "YQpiCmMKZA==",               // "a\nb\nc\nd"
		"invalid utf8": "/w==",                       // 0xff
		"no newline":   "anVzdCBvbmUgZmllbGQ=",       // "just one field"
		"trailing nl":  "b3JpZ2luCnVzZXIKcGFzcwo=", // "origin\nuser\npass\n"
	} {
		t.Run(name, func(t *testing.T) {
			creds, err := ParseGameID(id)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.True(t, creds.IsZero())
		})
	}
}

func TestDefault_Validates(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 200*time.Millisecond, c.RequestTimeout)
	assert.Equal(t, 100*time.Millisecond, c.RelayRequestTimeout)
	assert.Equal(t, 8, c.RelayRefreshMaxAttempts)
	assert.Equal(t, 60*time.Second, c.RelayLifetime)
	assert.Equal(t, 30*time.Second, c.RelayRefreshTime)
	assert.True(t, c.EnableIPv6)
	assert.False(t, c.ForceRelayOnly)
}

func TestValidate_Rejects(t *testing.T) {
	for name, mut := range map[string]func(c *SessionConfig){
		"zero request timeout":  func(c *SessionConfig) { c.RequestTimeout = 0 },
		"negative relay req":    func(c *SessionConfig) { c.RelayRequestTimeout = -time.Second },
		"zero attempts":         func(c *SessionConfig) { c.RelayRefreshMaxAttempts = 0 },
		"refresh past lifetime": func(c *SessionConfig) { c.RelayRefreshTime = c.RelayLifetime },
		"unknown region":        func(c *SessionConfig) { c.Region = Region(99) },
	} {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mut(&c)
			assert.ErrorIs(t, c.Validate(), ErrConfiguration)
		})
	}
}

func TestRegion_TextRoundTrip(t *testing.T) {
	for r := range regionNames {
		text, err := r.MarshalText()
		require.NoError(t, err)

		var parsed Region
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, r, parsed)
	}

	_, err := ParseRegion("mars")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRelayServer_ExplicitAddress(t *testing.T) {
	r := staticResolver(nil)

	c := Default()
	c.RelayServerAddress = "192.0.2.1:4000"
	ap, err := c.RelayServer(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:4000"), ap)

	c.RelayServerAddress = "relay.test"
	c.RelayServerPort = 5000
	ap, err = c.RelayServer(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.7:5000"), ap)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamelink.toml")

	require.NoError(t, os.WriteFile(path, []byte(`
relay_server = "192.0.2.1:3478"
region = "europe"
game_id = "`+EncodeGameID(dummyCreds)+`"
force_relay_only = true
request_timeout = 0.5
relay_request_timeout = 0.25
relay_refresh_max_attempts = 4
relay_lifetime = 120
relay_refresh_time = 45.5
`), 0600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.1:3478", c.RelayServerAddress)
	assert.Equal(t, Europe, c.Region)
	assert.Equal(t, dummyCreds, c.Credentials)
	assert.True(t, c.ForceRelayOnly)
	assert.True(t, c.EnableIPv6, "unset keys keep their default")
	assert.Equal(t, 500*time.Millisecond, c.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, c.RelayRequestTimeout)
	assert.Equal(t, 4, c.RelayRefreshMaxAttempts)
	assert.Equal(t, 2*time.Minute, c.RelayLifetime)
	assert.Equal(t, 45500*time.Millisecond, c.RelayRefreshTime)
}

func TestLoad_MalformedGameIDLeavesCredentialsEmpty(t *testing.T) {
	dir := t.TempDir()

	for name, id := range map[string]string{
		"not base64": "!!",
		"two fields": "b25seQpvbmU=",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(`relay_server = "192.0.2.1"`+"\n"+`game_id = "`+id+`"`), 0600))

			c, err := Load(path)
			require.NoError(t, err)
			assert.True(t, c.Credentials.IsZero())
			assert.Equal(t, "192.0.2.1", c.RelayServerAddress)
		})
	}
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()

	for name, body := range map[string]string{
		"unknown key":    `relay_servr = "x"`,
		"bad region":     `region = "mars"`,
		"invalid values": `relay_lifetime = 10` + "\n" + `relay_refresh_time = 20`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))

			_, err := Load(path)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}
