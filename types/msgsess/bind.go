package msgsess

import (
	"fmt"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
)

// Bind tells the hosting side to send game traffic back along the route this message arrived on.
type Bind struct {
	Session key.SessionID

	// Type is how the joining side reached us, the hosting side can't tell a relayed source apart.
	Type types.ConnectionType
}

func (b *Bind) SessionID() key.SessionID { return b.Session }

func (b *Bind) MarshalSessionMessage() []byte {
	return append(header(BindMessage, b.Session), byte(b.Type))
}

func (b *Bind) Debug() string {
	return fmt.Sprintf("bind sess=%s type=%s", b.Session.Debug(), b.Type)
}

type BindAck struct {
	Session key.SessionID
}

func (b *BindAck) SessionID() key.SessionID { return b.Session }

func (b *BindAck) MarshalSessionMessage() []byte {
	return header(BindAckMessage, b.Session)
}

func (b *BindAck) Debug() string {
	return fmt.Sprintf("bind-ack sess=%s", b.Session.Debug())
}

// Bye ends a session on the remote side.
type Bye struct {
	Session key.SessionID
}

func (b *Bye) SessionID() key.SessionID { return b.Session }

func (b *Bye) MarshalSessionMessage() []byte {
	return header(ByeMessage, b.Session)
}

func (b *Bye) Debug() string {
	return fmt.Sprintf("bye sess=%s", b.Session.Debug())
}
