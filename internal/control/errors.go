package control

import "errors"

var (
	// ErrAuthFailed indicates the daemon rejected the credentials (515).
	ErrAuthFailed = errors.New("control authentication failed")
	// ErrAuthTimeout indicates no authentication reply arrived in time.
	ErrAuthTimeout = errors.New("control authentication timed out")
	// ErrCommandTimeout indicates a command produced no reply in time.
	ErrCommandTimeout = errors.New("control command timed out")
	// ErrSessionClosed indicates the session was closed by its owner.
	ErrSessionClosed = errors.New("control session closed")
	// ErrProtocol indicates a reply line violated the wire grammar.
	ErrProtocol = errors.New("control protocol violation")
)
