package torrc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veilbrowse/torgate/internal/infrastructure/config"
)

// PolicySource supplies the anonymity-policy directives rendered into the
// configuration file: node restrictions, bridge lines, and the isolated
// SOCKS ports.
type PolicySource interface {
	ExitRestrictions() (allowed, excluded []string)
	EntryRestrictions() []string
	BridgeConfig() (enabled bool, transport string, lines []string)
	IsolationPorts() []int
}

// TransportPlugins maps pluggable-transport names to the client plugin
// directive rendered for them.
var TransportPlugins = map[string]string{
	"obfs4":     "obfs4 exec /usr/bin/obfs4proxy",
	"meek":      "meek_lite exec /usr/bin/obfs4proxy",
	"snowflake": "snowflake exec /usr/bin/snowflake-client",
	"webtunnel": "webtunnel exec /usr/bin/webtunnel-client",
}

// Builder renders the daemon configuration file. It is re-run before
// every daemon start so the file always reflects the current policy.
type Builder struct {
	cfg    *config.Config
	policy PolicySource
}

// New creates a builder. policy may be nil for a bare configuration.
func New(cfg *config.Config, policy PolicySource) *Builder {
	return &Builder{cfg: cfg, policy: policy}
}

// Path returns the location of the rendered file.
func (b *Builder) Path() string {
	return filepath.Join(b.cfg.Daemon.DataDir, "torrc")
}

// Materialize renders the configuration and overwrites the file
// atomically, returning its path.
func (b *Builder) Materialize() (string, error) {
	if err := os.MkdirAll(b.cfg.Daemon.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	path := b.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.Render()), 0o600); err != nil {
		return "", fmt.Errorf("write torrc: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replace torrc: %w", err)
	}
	return path, nil
}

// Render produces the key-per-line configuration text.
func (b *Builder) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "SocksPort %s:%d\n", b.cfg.Socks.Host, b.cfg.Socks.Port)
	for _, port := range b.isolationPorts() {
		fmt.Fprintf(&sb, "SocksPort %s:%d IsolateSOCKSAuth\n", b.cfg.Socks.Host, port)
	}

	fmt.Fprintf(&sb, "ControlPort %s:%d\n", b.cfg.Control.Host, b.cfg.Control.Port)
	fmt.Fprintf(&sb, "DataDirectory %s\n", b.cfg.Daemon.DataDir)

	if b.cfg.Control.Password != "" {
		// The daemon only accepts a hashed secret; the plain secret is
		// never written to disk.
		fmt.Fprintf(&sb, "HashedControlPassword %s\n", HashPassword(b.cfg.Control.Password))
	} else {
		sb.WriteString("CookieAuthentication 1\n")
		fmt.Fprintf(&sb, "CookieAuthFile %s\n", b.cfg.Control.CookiePath)
	}

	if b.cfg.Daemon.GeoIPFile != "" {
		fmt.Fprintf(&sb, "GeoIPFile %s\n", b.cfg.Daemon.GeoIPFile)
	}
	if b.cfg.Daemon.GeoIPv6File != "" {
		fmt.Fprintf(&sb, "GeoIPv6File %s\n", b.cfg.Daemon.GeoIPv6File)
	}

	b.renderPolicy(&sb)

	sb.WriteString("ClientOnly 1\n")
	sb.WriteString("AvoidDiskWrites 1\n")
	sb.WriteString("MaxCircuitDirtiness 600\n")
	sb.WriteString("NewCircuitPeriod 30\n")
	sb.WriteString("LearnCircuitBuildTimeout 1\n")

	return sb.String()
}

func (b *Builder) renderPolicy(sb *strings.Builder) {
	if b.policy == nil {
		return
	}

	allowed, excluded := b.policy.ExitRestrictions()
	if len(allowed) > 0 {
		fmt.Fprintf(sb, "ExitNodes %s\n", strings.Join(allowed, ","))
	}
	if len(excluded) > 0 {
		fmt.Fprintf(sb, "ExcludeExitNodes %s\n", strings.Join(excluded, ","))
	}
	entry := b.policy.EntryRestrictions()
	if len(entry) > 0 {
		fmt.Fprintf(sb, "EntryNodes %s\n", strings.Join(entry, ","))
	}
	if len(allowed) > 0 || len(entry) > 0 {
		sb.WriteString("StrictNodes 1\n")
	}

	enabled, transport, lines := b.policy.BridgeConfig()
	if !enabled {
		return
	}
	sb.WriteString("UseBridges 1\n")
	if plugin, ok := TransportPlugins[transport]; ok {
		fmt.Fprintf(sb, "ClientTransportPlugin %s\n", plugin)
	}
	for _, line := range lines {
		fmt.Fprintf(sb, "Bridge %s\n", line)
	}
}

func (b *Builder) isolationPorts() []int {
	if b.policy == nil {
		return nil
	}
	return b.policy.IsolationPorts()
}
