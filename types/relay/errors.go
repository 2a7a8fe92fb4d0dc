package relay

// ErrorKind is the client-side classification of a relay error response.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	// KindChallenge is a 401, which is expected once for an unauthenticated request.
	KindChallenge
	KindStaleNonce
	KindAuth
	KindCapacity
)

func (k ErrorKind) String() string {
	switch k {
	case KindChallenge:
		return "challenge"
	case KindStaleNonce:
		return "stale-nonce"
	case KindAuth:
		return "auth"
	case KindCapacity:
		return "capacity"
	default:
		return "other"
	}
}

// Classify maps an error code onto the way a client should react to it.
func Classify(code int) ErrorKind {
	switch code {
	case CodeUnauthorized:
		return KindChallenge
	case CodeStaleNonce:
		return KindStaleNonce
	case CodeWrongCredentials:
		return KindAuth
	case CodeAllocQuotaReached, CodeInsufficientCapacity:
		return KindCapacity
	default:
		return KindOther
	}
}
