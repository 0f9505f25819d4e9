package circuits

import "errors"

var (
	// ErrNoActiveCircuit indicates no built general-purpose circuit exists.
	ErrNoActiveCircuit = errors.New("no active circuit")
	// ErrMalformedCircuit indicates a circuit-status line failed to parse.
	ErrMalformedCircuit = errors.New("malformed circuit-status line")
	// ErrCircuitNotFound indicates the daemon knows no circuit with that ID.
	ErrCircuitNotFound = errors.New("circuit not found")
	// ErrSignalRejected indicates the daemon refused a signal or close request.
	ErrSignalRejected = errors.New("daemon rejected request")
)
