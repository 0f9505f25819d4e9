package policy

import (
	_ "embed"
	"fmt"
	"net"
	"strings"

	"github.com/goccy/go-yaml"
)

// Transport identifies a pluggable transport for bridge connections.
type Transport string

const (
	TransportNone      Transport = "none"
	TransportObfs4     Transport = "obfs4"
	TransportMeek      Transport = "meek"
	TransportSnowflake Transport = "snowflake"
	TransportWebtunnel Transport = "webtunnel"
)

var validTransports = map[Transport]bool{
	TransportNone:      true,
	TransportObfs4:     true,
	TransportMeek:      true,
	TransportSnowflake: true,
	TransportWebtunnel: true,
}

//go:embed bridges.yaml
var builtinBridgesYAML []byte

type bridgeSets struct {
	Transports map[string][]string `yaml:"transports"`
}

// builtinBridges returns the embedded fallback bridge lines for a
// transport. The set may be empty.
func builtinBridges(transport Transport) ([]string, error) {
	var sets bridgeSets
	if err := yaml.Unmarshal(builtinBridgesYAML, &sets); err != nil {
		return nil, fmt.Errorf("parse builtin bridge sets: %w", err)
	}
	return sets.Transports[string(transport)], nil
}

// ValidateBridgeLine checks the rough shape of a bridge line: an
// optional transport token, a mandatory address:port, an optional 40-hex
// fingerprint, then transport-specific parameters.
func ValidateBridgeLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty line", ErrMalformedBridge)
	}

	for _, f := range fields {
		if strings.Contains(f, "=") {
			continue
		}
		if host, port, err := net.SplitHostPort(f); err == nil && host != "" && port != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: no address:port in %q", ErrMalformedBridge, line)
}
