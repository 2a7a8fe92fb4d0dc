package relay

import "time"

const (
	MaxPacketSize = 64 << 10

	DefaultLifetime  = 10 * time.Minute
	DefaultMaxAllocs = 1024
	DefaultRealm     = "gamelink"

	// NonceLifetime is how long a handed out nonce stays valid, after which clients get a 438.
	NonceLifetime = time.Hour
	nonceCacheLen = 4096

	sweepInterval = time.Second

	readTimeout = 500 * time.Millisecond
)
