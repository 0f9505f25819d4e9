package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/control"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/shared/types"
)

// RotateFunc forces an identity rotation; node restrictions only take
// effect on circuits built after the change.
type RotateFunc func(ctx context.Context) error

// Config validates and applies the anonymity policy: country
// restrictions, bridges, and stream isolation. It never touches the
// daemon process or socket directly; runtime changes go through the
// shared control session and startup-only changes are rendered into the
// configuration file via the torrc.PolicySource methods.
type Config struct {
	session *control.Session
	rotate  RotateFunc
	logger  *logging.Logger

	mu             sync.RWMutex
	allowedExit    []string
	excludedExit   []string
	entryNodes     []string
	bridgesEnabled bool
	transport      Transport
	bridgeLines    []string
	iso            *isolator
}

// New creates a policy config bound to the shared control session.
func New(session *control.Session, basePort, portWindow int, rotate RotateFunc, logger *logging.Logger) *Config {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Config{
		session:   session,
		rotate:    rotate,
		logger:    logger,
		transport: TransportNone,
		iso:       newIsolator(basePort, portWindow),
	}
}

// SetExitCountries restricts exit relays to the given countries and
// rotates identity so the restriction applies immediately.
func (c *Config) SetExitCountries(ctx context.Context, codes []string) error {
	brackets, err := bracketCountries(codes)
	if err != nil {
		return err
	}
	if err := c.setconf(ctx, "ExitNodes", brackets); err != nil {
		return err
	}

	c.mu.Lock()
	c.allowedExit = brackets
	c.mu.Unlock()

	return c.forceRotation(ctx)
}

// SetExcludedExitCountries excludes exit relays in the given countries.
func (c *Config) SetExcludedExitCountries(ctx context.Context, codes []string) error {
	brackets, err := bracketCountries(codes)
	if err != nil {
		return err
	}
	if err := c.setconf(ctx, "ExcludeExitNodes", brackets); err != nil {
		return err
	}

	c.mu.Lock()
	c.excludedExit = brackets
	c.mu.Unlock()

	return c.forceRotation(ctx)
}

// SetEntryCountries restricts entry (guard) relays to the given countries.
func (c *Config) SetEntryCountries(ctx context.Context, codes []string) error {
	brackets, err := bracketCountries(codes)
	if err != nil {
		return err
	}
	if err := c.setconf(ctx, "EntryNodes", brackets); err != nil {
		return err
	}

	c.mu.Lock()
	c.entryNodes = brackets
	c.mu.Unlock()

	return c.forceRotation(ctx)
}

// ClearRestrictions resets allow and deny sets to empty.
func (c *Config) ClearRestrictions(ctx context.Context) error {
	rep, err := c.session.Send(ctx, "SETCONF ExitNodes= ExcludeExitNodes= EntryNodes=")
	if err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("clear restrictions: status %d", rep.Status())
	}

	c.mu.Lock()
	c.allowedExit = nil
	c.excludedExit = nil
	c.entryNodes = nil
	c.mu.Unlock()

	return nil
}

// EnableBridges turns on bridges for a transport. Lines may be supplied
// by the caller or fall back to the built-in set for the transport. The
// daemon only reads bridge lines from its configuration file at startup,
// so the returned flag tells the caller a full restart is required.
func (c *Config) EnableBridges(transport Transport, lines []string) (restartRequired bool, err error) {
	if !validTransports[transport] || transport == TransportNone {
		return false, fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}

	if len(lines) == 0 {
		lines, err = builtinBridges(transport)
		if err != nil {
			return false, err
		}
	}
	if len(lines) == 0 {
		return false, fmt.Errorf("%w: %q", ErrNoBridges, transport)
	}
	for _, line := range lines {
		if err := ValidateBridgeLine(line); err != nil {
			return false, err
		}
	}

	c.mu.Lock()
	c.bridgesEnabled = true
	c.transport = transport
	c.bridgeLines = append([]string(nil), lines...)
	c.mu.Unlock()

	c.logger.Info("bridges enabled",
		zap.String("transport", string(transport)),
		zap.Int("lines", len(lines)),
	)
	return true, nil
}

// DisableBridges turns bridges off; takes effect on the next restart.
func (c *Config) DisableBridges() (restartRequired bool) {
	c.mu.Lock()
	c.bridgesEnabled = false
	c.transport = TransportNone
	c.bridgeLines = nil
	c.mu.Unlock()
	return true
}

// SetIsolationMode switches stream-isolation mode, dropping existing
// port allocations.
func (c *Config) SetIsolationMode(mode IsolationMode) error {
	if !validIsolationModes[mode] {
		return fmt.Errorf("%w: %q", ErrUnknownIsolationMode, mode)
	}
	c.mu.Lock()
	c.iso.setMode(mode)
	c.mu.Unlock()
	return nil
}

// IsolatedPort returns the SOCKS port for an isolation key. Repeated
// calls with the same key return the same port; distinct keys receive
// distinct ports until the window wraps.
func (c *Config) IsolatedPort(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iso.port(key)
}

// ExitRestrictions implements torrc.PolicySource.
func (c *Config) ExitRestrictions() (allowed, excluded []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.allowedExit...), append([]string(nil), c.excludedExit...)
}

// EntryRestrictions implements torrc.PolicySource.
func (c *Config) EntryRestrictions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.entryNodes...)
}

// BridgeConfig implements torrc.PolicySource.
func (c *Config) BridgeConfig() (enabled bool, transport string, lines []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridgesEnabled, string(c.transport), append([]string(nil), c.bridgeLines...)
}

// IsolationPorts implements torrc.PolicySource.
func (c *Config) IsolationPorts() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iso.windowPorts()
}

// Restrictions returns the applied restriction sets for the status
// snapshot.
func (c *Config) Restrictions() types.Restrictions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.Restrictions{
		AllowedCountries:  append([]string(nil), c.allowedExit...),
		ExcludedCountries: append([]string(nil), c.excludedExit...),
	}
}

// BridgeInfo returns bridge state for the status snapshot.
func (c *Config) BridgeInfo() types.BridgeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := types.BridgeInfo{Enabled: c.bridgesEnabled, Count: len(c.bridgeLines)}
	if c.bridgesEnabled {
		info.Transport = string(c.transport)
	}
	return info
}

// IsolationInfo returns isolation state for the status snapshot.
func (c *Config) IsolationInfo() types.IsolationInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.IsolationInfo{
		Mode:       string(c.iso.mode),
		BasePort:   c.iso.basePort,
		PortWindow: c.iso.window,
		Allocated:  len(c.iso.ports),
	}
}

func (c *Config) setconf(ctx context.Context, key string, brackets []string) error {
	cmd := fmt.Sprintf("SETCONF %s=%s", key, strings.Join(brackets, ","))
	rep, err := c.session.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("%s: status %d", cmd, rep.Status())
	}
	return nil
}

// forceRotation applies new restrictions to fresh circuits. Rotation
// failure is logged, not fatal: the restriction itself is already set.
func (c *Config) forceRotation(ctx context.Context) error {
	if c.rotate == nil {
		return nil
	}
	if err := c.rotate(ctx); err != nil {
		c.logger.Warn("identity rotation after policy change failed", zap.Error(err))
	}
	return nil
}
