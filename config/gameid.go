package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/edup2p/gamelink/types"
)

// ParseGameID decodes a game identifier into relay credentials.
//
// A game identifier is base64 over "origin\nusername\npassword". An empty identifier yields empty credentials
// without error, a malformed one yields empty credentials and an error wrapping ErrConfiguration.
func ParseGameID(id string) (types.Credentials, error) {
	if id == "" {
		return types.Credentials{}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(id))
	if err != nil {
		return types.Credentials{}, fmt.Errorf("%w: game id is not base64: %w", ErrConfiguration, err)
	}

	if !utf8.Valid(raw) {
		return types.Credentials{}, fmt.Errorf("%w: game id is not utf-8", ErrConfiguration)
	}

	parts := strings.Split(string(raw), "\n")
	if len(parts) != 3 {
		return types.Credentials{}, fmt.Errorf("%w: game id has %d fields, expected 3", ErrConfiguration, len(parts))
	}

	return types.Credentials{
		Origin:   parts[0],
		Username: parts[1],
		Password: parts[2],
	}, nil
}

// EncodeGameID is the inverse of ParseGameID.
func EncodeGameID(c types.Credentials) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Join([]string{c.Origin, c.Username, c.Password}, "\n")))
}
