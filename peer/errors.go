package peer

import "errors"

var (
	// ErrBindTimeout is reported when the remote never acknowledged the route we picked.
	ErrBindTimeout = errors.New("remote did not acknowledge bind")

	ErrNoBridge = errors.New("could not open bridge socket")
)
