// Package torrc materializes the daemon's on-disk configuration file.
// The file is regenerated and atomically overwritten before every start
// so it always reflects the current anonymity policy: ports, node
// restrictions, bridge lines, and isolated SOCKS listeners.
package torrc
