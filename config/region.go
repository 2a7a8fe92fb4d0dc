package config

import (
	"fmt"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/gamelink/types"
)

// Region selects which relay server a peer uses.
type Region int

const (
	// Auto picks the region with the lowest measured latency.
	Auto Region = iota
	USEast
	USWest
	Europe
	AsiaPacific
	Australia
	SouthAmerica
)

var regionNames = map[Region]string{
	Auto:         "auto",
	USEast:       "us-east",
	USWest:       "us-west",
	Europe:       "europe",
	AsiaPacific:  "asia-pacific",
	Australia:    "australia",
	SouthAmerica: "south-america",
}

func (r Region) String() string {
	if n, ok := regionNames[r]; ok {
		return n
	}
	return fmt.Sprintf("region(%d)", int(r))
}

// ParseRegion is the inverse of Region.String.
func ParseRegion(s string) (Region, error) {
	for r, n := range regionNames {
		if n == s {
			return r, nil
		}
	}
	return Auto, fmt.Errorf("%w: unknown region %q", ErrConfiguration, s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Region) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Region) UnmarshalText(b []byte) error {
	p, err := ParseRegion(string(b))
	if err != nil {
		return err
	}
	*r = p
	return nil
}

// RegionOrder is the order regions are considered in, the first entry is the fallback for Auto.
var RegionOrder = []Region{USEast, Europe, USWest, AsiaPacific, Australia, SouthAmerica}

// DefaultRegions maps every named region onto its relay server.
var DefaultRegions = map[Region]types.RelayInformation{
	USEast:       {Domain: "us-east.relay.gamelink.dev"},
	USWest:       {Domain: "us-west.relay.gamelink.dev"},
	Europe:       {Domain: "eu.relay.gamelink.dev"},
	AsiaPacific:  {Domain: "ap.relay.gamelink.dev"},
	Australia:    {Domain: "au.relay.gamelink.dev"},
	SouthAmerica: {Domain: "sa.relay.gamelink.dev", Port: gonull.NewNullable[uint16](3479)},
}
