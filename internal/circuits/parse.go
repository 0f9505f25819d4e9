package circuits

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is a hop's position in a circuit path.
type Role string

const (
	RoleGuard  Role = "guard"
	RoleMiddle Role = "middle"
	RoleExit   Role = "exit"
)

// Hop is one relay in a circuit path. Fingerprint and Nickname come from
// the circuit-status listing; IP, Country and Bandwidth are filled in
// lazily from per-relay directory lookups.
type Hop struct {
	Fingerprint string `json:"fingerprint"`
	Nickname    string `json:"nickname,omitempty"`
	Role        Role   `json:"role"`
	IP          string `json:"ip,omitempty"`
	Country     string `json:"country,omitempty"`
	BandwidthKB int64  `json:"bandwidth_kb,omitempty"`
}

// Circuit is one entry from the daemon's circuit-status listing.
type Circuit struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Hops    []Hop  `json:"hops,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// Built reports whether the circuit is fully constructed.
func (c Circuit) Built() bool {
	return c.Status == "BUILT"
}

// parseCircuitLine parses one circuit-status entry:
//
//	ID STATUS [PATH] [KEY=VALUE ...]
//
// where PATH is a comma-separated list of $FINGERPRINT, $FINGERPRINT~nick
// or $FINGERPRINT=nick long names. Older daemons emit a bare purpose
// token instead of PURPOSE=; both are accepted.
func parseCircuitLine(line string) (Circuit, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Circuit{}, fmt.Errorf("%w: %q", ErrMalformedCircuit, line)
	}

	c := Circuit{ID: fields[0], Status: fields[1]}
	if _, err := strconv.Atoi(c.ID); err != nil {
		return Circuit{}, fmt.Errorf("%w: circuit id %q", ErrMalformedCircuit, c.ID)
	}

	for _, f := range fields[2:] {
		switch {
		case strings.HasPrefix(f, "$"):
			hops, err := parsePath(f)
			if err != nil {
				return Circuit{}, err
			}
			c.Hops = hops
		case strings.HasPrefix(f, "PURPOSE="):
			c.Purpose = strings.TrimPrefix(f, "PURPOSE=")
		case !strings.Contains(f, "="):
			// Legacy bare purpose token.
			if c.Purpose == "" {
				c.Purpose = f
			}
		}
	}

	assignRoles(c.Hops)
	return c, nil
}

func parsePath(path string) ([]Hop, error) {
	parts := strings.Split(path, ",")
	hops := make([]Hop, 0, len(parts))
	for _, part := range parts {
		if !strings.HasPrefix(part, "$") {
			return nil, fmt.Errorf("%w: path element %q", ErrMalformedCircuit, part)
		}
		long := part[1:]
		hop := Hop{Fingerprint: long}
		if i := strings.IndexAny(long, "~="); i >= 0 {
			hop.Fingerprint = long[:i]
			hop.Nickname = long[i+1:]
		}
		if hop.Fingerprint == "" {
			return nil, fmt.Errorf("%w: empty fingerprint in %q", ErrMalformedCircuit, part)
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

// assignRoles labels the first hop guard, the last exit, the rest middle.
// A single-hop path is labeled guard.
func assignRoles(hops []Hop) {
	for i := range hops {
		switch {
		case i == 0:
			hops[i].Role = RoleGuard
		case i == len(hops)-1:
			hops[i].Role = RoleExit
		default:
			hops[i].Role = RoleMiddle
		}
	}
}

// relayInfo is the subset of a router-status entry the path view needs.
type relayInfo struct {
	Nickname    string
	IP          string
	BandwidthKB int64
}

// parseRouterStatus extracts nickname, address and bandwidth from the
// "r ", and "w " lines of a ns/id directory entry.
func parseRouterStatus(lines []string) relayInfo {
	var info relayInfo
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "r "):
			// r nickname identity digest date time address orport dirport
			fields := strings.Fields(line)
			if len(fields) >= 8 {
				info.Nickname = fields[1]
				info.IP = fields[len(fields)-3]
			}
		case strings.HasPrefix(line, "w "):
			for _, f := range strings.Fields(line[2:]) {
				if v, ok := strings.CutPrefix(f, "Bandwidth="); ok {
					if kb, err := strconv.ParseInt(v, 10, 64); err == nil {
						info.BandwidthKB = kb
					}
				}
			}
		}
	}
	return info
}
