package policy

import (
	"github.com/google/uuid"
)

// IsolationMode selects how streams are split across SOCKS ports.
type IsolationMode string

const (
	IsolationNone       IsolationMode = "none"
	IsolationPerTab     IsolationMode = "per-tab"
	IsolationPerDomain  IsolationMode = "per-domain"
	IsolationPerSession IsolationMode = "per-session"
)

var validIsolationModes = map[IsolationMode]bool{
	IsolationNone:       true,
	IsolationPerTab:     true,
	IsolationPerDomain:  true,
	IsolationPerSession: true,
}

// NewSessionKey mints an opaque isolation key for per-session mode.
func NewSessionKey() string {
	return uuid.NewString()
}

// isolator allocates stable SOCKS ports per isolation key from a fixed
// window above the base port, wrapping around once the window is
// exhausted. Callers must tolerate port reuse across keys after
// wrap-around.
type isolator struct {
	mode     IsolationMode
	basePort int
	window   int
	ports    map[string]int
	next     int
}

func newIsolator(basePort, window int) *isolator {
	return &isolator{
		mode:     IsolationNone,
		basePort: basePort,
		window:   window,
		ports:    make(map[string]int),
	}
}

// port returns the SOCKS port for a key: the base port when isolation is
// off, otherwise a lazily allocated port that stays stable for the key.
func (iso *isolator) port(key string) int {
	if iso.mode == IsolationNone || iso.window <= 0 {
		return iso.basePort
	}
	if p, ok := iso.ports[key]; ok {
		return p
	}

	p := iso.basePort + 1 + iso.next%iso.window
	iso.next++
	iso.ports[key] = p
	return p
}

// setMode switches isolation mode, dropping existing allocations.
func (iso *isolator) setMode(mode IsolationMode) {
	iso.mode = mode
	iso.ports = make(map[string]int)
	iso.next = 0
}

// windowPorts lists every port in the isolation window, for the extra
// SocksPort lines in the daemon configuration.
func (iso *isolator) windowPorts() []int {
	if iso.mode == IsolationNone {
		return nil
	}
	out := make([]int, 0, iso.window)
	for i := 1; i <= iso.window; i++ {
		out = append(out, iso.basePort+i)
	}
	return out
}
