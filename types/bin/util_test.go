package bin

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrPortList(t *testing.T) {
	aps := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:1337"),
		netip.MustParseAddrPort("[2000::1]:7777"),
	}

	b := AppendAddrPorts(nil, aps)
	b = append(b, 0xAB)

	got, rest, err := ParseAddrPorts(b)
	require.NoError(t, err)

	assert.Equal(t, aps, got)
	assert.Equal(t, []byte{0xAB}, rest)
}

func TestAddrPortList_Truncated(t *testing.T) {
	b := AppendAddrPorts(nil, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:1337")})

	_, _, err := ParseAddrPorts(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedAddrPorts)

	_, _, err = ParseAddrPorts(nil)
	assert.ErrorIs(t, err, ErrMalformedAddrPorts)
}
