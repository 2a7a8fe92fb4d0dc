package types

// Credentials are the relay service credentials carried inside a game identifier.
type Credentials struct {
	Username string
	Password string
	Origin   string
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}
