// Package key holds the identifiers gamelink puts on the wire.
package key

import (
	"encoding/json"
	"fmt"
	"strings"

	"go4.org/mem"
)

const SessionIDLen = 8

const sessionIDHexPrefix = "session:"

// SessionID names one peer-to-peer session, picked at random by the joining side.
type SessionID [SessionIDLen]byte

// NewSessionID returns a new random SessionID.
func NewSessionID() SessionID {
	var s SessionID
	rand(s[:])
	return s
}

func (s SessionID) Debug() string {
	return fmt.Sprintf("%x", s[:])
}

// IsZero reports whether s is the zero value.
func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

// AppendText implements encoding.TextAppender. It appends a typed prefix
// followed by hex encoded represtation of s to b.
func (s SessionID) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, sessionIDHexPrefix, s[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	return s.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler. It expects a typed prefix
// followed by a hex encoded representation of s.
func (s *SessionID) UnmarshalText(b []byte) error {
	return parseHex(s[:], mem.B(b), mem.S(sessionIDHexPrefix))
}

func (s SessionID) String() string {
	b, _ := s.MarshalText()
	return string(b)
}

// UnmarshalSessionID parses a SessionID, with or without surrounding quotes.
func UnmarshalSessionID(str string) (*SessionID, error) {
	if !strings.HasSuffix(str, "\"") && !strings.HasPrefix(str, "\"") {
		str = fmt.Sprintf("\"%s\"", str)
	}

	id := new(SessionID)

	if err := json.Unmarshal([]byte(str), id); err != nil {
		return nil, err
	}

	return id, nil
}
