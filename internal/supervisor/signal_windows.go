//go:build windows

package supervisor

import "os"

// interrupt asks the process to terminate. Windows has no graceful
// signal for a detached console process, so this is a hard kill.
func interrupt(p *os.Process) error {
	return p.Kill()
}
