package stun

import "errors"

var (
	ErrNotSTUN            = errors.New("not a STUN packet")
	ErrNotSuccessResponse = errors.New("STUN packet is not a binding success response")
	ErrMalformedAttrs     = errors.New("STUN response carries no usable mapped address")
	ErrNotBindingRequest  = errors.New("STUN packet is not a binding request")
	ErrWrongFingerprint   = errors.New("STUN request fingerprint does not match")
)
