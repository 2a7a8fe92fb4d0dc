package msgsess

// Magic is the 8 byte header of all session messages
// "🪄🧦"
// F0 9F AA 84
// F0 9F A7 A6
const Magic = "\xF0\x9F\xAA\x84\xF0\x9F\xA7\xA6"

var MagicBytes = []byte(Magic)

type VersionMarker byte

const v1 = VersionMarker(0x1)

type MessageType byte

const (
	OfferMessage    = MessageType(0x01)
	AnswerMessage   = MessageType(0x02)
	ProbeMessage    = MessageType(0x03)
	ProbeAckMessage = MessageType(0x04)
	BindMessage     = MessageType(0x05)
	BindAckMessage  = MessageType(0x06)
	ByeMessage      = MessageType(0xFF)
)
