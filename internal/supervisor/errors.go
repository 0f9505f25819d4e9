package supervisor

import "errors"

var (
	// ErrAlreadyRunning indicates start was called while the daemon is
	// starting, bootstrapping, or connected.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrBinaryNotFound indicates no daemon executable could be resolved.
	ErrBinaryNotFound = errors.New("tor binary not found")
	// ErrSpawn indicates the resolved binary failed to launch.
	ErrSpawn = errors.New("failed to spawn tor process")
	// ErrBootstrapTimeout indicates bootstrap never reached 100% before
	// the deadline.
	ErrBootstrapTimeout = errors.New("bootstrap timed out")
	// ErrUnexpectedExit indicates the process died outside a requested stop.
	ErrUnexpectedExit = errors.New("tor process exited unexpectedly")
)
