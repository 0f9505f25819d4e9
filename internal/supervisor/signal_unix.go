//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

// interrupt asks the process to terminate gracefully.
func interrupt(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
