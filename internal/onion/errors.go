package onion

import "errors"

var (
	// ErrServiceNotFound indicates the daemon knows no such service ID.
	ErrServiceNotFound = errors.New("onion service not found")
	// ErrAddFailed indicates ADD_ONION was rejected or returned no ID.
	ErrAddFailed = errors.New("failed to create onion service")
	// ErrInvalidPort indicates a port outside the valid range.
	ErrInvalidPort = errors.New("invalid port")
	// ErrUnknownKeyType indicates a key type other than ED25519-V3 or
	// RSA1024.
	ErrUnknownKeyType = errors.New("unknown onion key type")
)
