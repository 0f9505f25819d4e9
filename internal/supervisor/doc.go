// Package supervisor owns the daemon process: it resolves the binary,
// materializes the configuration file, spawns and reaps the process,
// parses bootstrap progress from its output, and drives the lifecycle
// state machine (stopped, starting, bootstrapping, connected, error,
// stopping). It is the single writer of lifecycle state; all other
// components read snapshots and talk to the daemon through the shared
// control session.
package supervisor
