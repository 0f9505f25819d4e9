package supervisor

import (
	"strconv"
	"strings"
)

// BootstrapInfo is one parsed bootstrap progress report.
type BootstrapInfo struct {
	Progress int
	Phase    string
}

// parseBootstrapLine extracts progress and phase from a daemon log line.
// It accepts both the tagged shape
//
//	... Bootstrapped 45% (requesting_descriptors): Loading relay descriptors
//
// and the older untagged shape
//
//	... Bootstrapped 90%: Establishing a Tor circuit
//
// Anything else is not a bootstrap report.
func parseBootstrapLine(line string) (BootstrapInfo, bool) {
	const marker = "Bootstrapped "

	i := strings.Index(line, marker)
	if i < 0 {
		return BootstrapInfo{}, false
	}
	rest := line[i+len(marker):]

	j := strings.IndexByte(rest, '%')
	if j <= 0 {
		return BootstrapInfo{}, false
	}
	pct, err := strconv.Atoi(strings.TrimSpace(rest[:j]))
	if err != nil || pct < 0 || pct > 100 {
		return BootstrapInfo{}, false
	}
	rest = rest[j+1:]

	phase := ""
	if k := strings.Index(rest, ": "); k >= 0 {
		phase = strings.TrimSpace(rest[k+2:])
	} else {
		phase = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	}

	return BootstrapInfo{Progress: pct, Phase: phase}, true
}
