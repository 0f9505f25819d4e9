package policy

import "errors"

var (
	// ErrUnknownTransport indicates an unsupported pluggable transport.
	ErrUnknownTransport = errors.New("unknown pluggable transport")
	// ErrMalformedBridge indicates a bridge line failed shape validation.
	ErrMalformedBridge = errors.New("malformed bridge line")
	// ErrUnknownIsolationMode indicates an unsupported isolation mode.
	ErrUnknownIsolationMode = errors.New("unknown isolation mode")
	// ErrNoBridges indicates bridges were enabled with no usable lines.
	ErrNoBridges = errors.New("no bridge lines available for transport")
)
