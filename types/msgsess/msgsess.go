// Package msgsess contains session control message definitions and parsing methods,
// to be sent over the relay or directly, interleaved with game traffic on the same socket.
//
// Session message interface definitions are sealed within this package.
package msgsess

import "github.com/edup2p/gamelink/types/key"

type SessionMessage interface {
	// SessionID returns the session this message belongs to.
	SessionID() key.SessionID

	MarshalSessionMessage() []byte

	// todo maybe convert to slog.Group?
	Debug() string
}

// header writes the common prefix of every session message.
func header(typ MessageType, sess key.SessionID) []byte {
	b := make([]byte, 0, wireHeaderLen+64)
	b = append(b, MagicBytes...)
	b = append(b, byte(v1), byte(typ))
	return append(b, sess[:]...)
}
