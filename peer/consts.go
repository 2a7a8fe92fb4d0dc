package peer

import "time"

const (
	SockRecvReadTimeout = 5 * time.Second

	// FrameChanBuffer is shared between the external socket and every bridge socket.
	FrameChanBuffer = 512

	// MaxFramesPerUpdate bounds the work a single Update does, so that a flood can't starve timers.
	MaxFramesPerUpdate = 1024

	// BindMaxAttempts is how often a Bind is sent before the route is given up on.
	BindMaxAttempts = 8

	// EndedSessionMemory is how many ended session ids are remembered, to ignore their late retransmissions.
	EndedSessionMemory = 256

	maxPacketSize = 1 << 16
)
