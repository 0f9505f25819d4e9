package policy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilbrowse/torgate/internal/control"
)

// scriptedControl answers AUTHENTICATE and records every other command,
// replying 250 OK.
type scriptedControl struct {
	ln net.Listener

	mu       sync.Mutex
	commands []string
}

func newScriptedControl(t *testing.T) *scriptedControl {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &scriptedControl{ln: ln}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *scriptedControl) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *scriptedControl) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			r := bufio.NewReader(conn)
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				cmd := strings.TrimRight(line, "\r\n")
				if !strings.HasPrefix(cmd, "AUTHENTICATE") {
					s.mu.Lock()
					s.commands = append(s.commands, cmd)
					s.mu.Unlock()
				}
				fmt.Fprintf(conn, "250 OK\r\n")
			}
		}(conn)
	}
}

func newTestConfig(t *testing.T, srv *scriptedControl) (*Config, *int) {
	t.Helper()
	session := control.NewSession(control.Options{
		Addr:           srv.ln.Addr().String(),
		CommandTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { session.Close() })

	rotations := 0
	rotate := func(ctx context.Context) error {
		rotations++
		return nil
	}
	return New(session, 9052, 10, rotate, nil), &rotations
}

func TestSetExitCountriesIssuesSetconfAndRotates(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, rotations := newTestConfig(t, srv)

	err := cfg.SetExitCountries(context.Background(), []string{"US", "DE"})
	require.NoError(t, err)

	assert.Contains(t, srv.seen(), "SETCONF ExitNodes={us},{de}")
	assert.Equal(t, 1, *rotations)

	r := cfg.Restrictions()
	assert.Equal(t, []string{"{us}", "{de}"}, r.AllowedCountries)
}

func TestSetExitCountriesNormalizesCase(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	require.NoError(t, cfg.SetExitCountries(context.Background(), []string{"us", " nl "}))
	assert.Contains(t, srv.seen(), "SETCONF ExitNodes={us},{nl}")
}

func TestSetExitCountriesRejectsUnknownCode(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, rotations := newTestConfig(t, srv)

	err := cfg.SetExitCountries(context.Background(), []string{"US", "XX"})
	require.Error(t, err)

	var cerr *CountryError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "XX", cerr.Code)
	assert.Equal(t, AllowedCountries(), cerr.Allowed)
	assert.Contains(t, cerr.Allowed, "US")

	// Whole call fails: nothing sent, nothing rotated, nothing stored
	assert.Empty(t, srv.seen())
	assert.Equal(t, 0, *rotations)
	assert.Empty(t, cfg.Restrictions().AllowedCountries)
}

func TestClearRestrictions(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	require.NoError(t, cfg.SetExitCountries(context.Background(), []string{"US"}))
	require.NoError(t, cfg.SetExcludedExitCountries(context.Background(), []string{"UA"}))
	require.NoError(t, cfg.ClearRestrictions(context.Background()))

	assert.Contains(t, srv.seen(), "SETCONF ExitNodes= ExcludeExitNodes= EntryNodes=")
	r := cfg.Restrictions()
	assert.Empty(t, r.AllowedCountries)
	assert.Empty(t, r.ExcludedCountries)
}

func TestEnableBridgesWithCallerLines(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	restart, err := cfg.EnableBridges(TransportObfs4, []string{
		"obfs4 192.0.2.3:443 0123456789ABCDEF0123456789ABCDEF01234567 cert=abcd iat-mode=0",
	})
	require.NoError(t, err)
	assert.True(t, restart)

	enabled, transport, lines := cfg.BridgeConfig()
	assert.True(t, enabled)
	assert.Equal(t, "obfs4", transport)
	assert.Len(t, lines, 1)
}

func TestEnableBridgesFallsBackToBuiltins(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	restart, err := cfg.EnableBridges(TransportSnowflake, nil)
	require.NoError(t, err)
	assert.True(t, restart)

	_, _, lines := cfg.BridgeConfig()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "snowflake")
}

func TestEnableBridgesRejectsUnknownTransport(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	_, err := cfg.EnableBridges(Transport("carrier-pigeon"), nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	_, err = cfg.EnableBridges(TransportNone, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestEnableBridgesRejectsMalformedLine(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	_, err := cfg.EnableBridges(TransportObfs4, []string{"not a bridge line"})
	assert.ErrorIs(t, err, ErrMalformedBridge)
}

func TestDisableBridges(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	_, err := cfg.EnableBridges(TransportObfs4, nil)
	require.NoError(t, err)

	restart := cfg.DisableBridges()
	assert.True(t, restart)

	enabled, _, _ := cfg.BridgeConfig()
	assert.False(t, enabled)
	assert.False(t, cfg.BridgeInfo().Enabled)
}

func TestIsolatedPortNoneModeReturnsBase(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	assert.Equal(t, 9052, cfg.IsolatedPort("tab-1"))
	assert.Equal(t, 9052, cfg.IsolatedPort("tab-2"))
}

func TestIsolatedPortStablePerKey(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)
	require.NoError(t, cfg.SetIsolationMode(IsolationPerTab))

	p1 := cfg.IsolatedPort("tab-1")
	p2 := cfg.IsolatedPort("tab-2")
	assert.NotEqual(t, p1, p2)

	// Idempotent per key
	assert.Equal(t, p1, cfg.IsolatedPort("tab-1"))
	assert.Equal(t, p2, cfg.IsolatedPort("tab-2"))
	assert.Equal(t, p1, cfg.IsolatedPort("tab-1"))
}

func TestIsolatedPortWindowWrapAround(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)
	require.NoError(t, cfg.SetIsolationMode(IsolationPerDomain))

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		p := cfg.IsolatedPort(fmt.Sprintf("domain-%d", i))
		assert.False(t, seen[p], "port %d reused before window exhausted", p)
		seen[p] = true
		assert.GreaterOrEqual(t, p, 9053)
		assert.LessOrEqual(t, p, 9062)
	}

	// Window exhausted: the next key wraps to the window start
	p := cfg.IsolatedPort("domain-overflow")
	assert.Equal(t, 9053, p)
	// And stays stable for that key
	assert.Equal(t, p, cfg.IsolatedPort("domain-overflow"))
}

func TestSetIsolationModeRejectsUnknown(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	err := cfg.SetIsolationMode(IsolationMode("per-galaxy"))
	assert.ErrorIs(t, err, ErrUnknownIsolationMode)
}

func TestSetIsolationModeResetsAllocations(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	require.NoError(t, cfg.SetIsolationMode(IsolationPerTab))
	cfg.IsolatedPort("tab-1")
	require.Equal(t, 1, cfg.IsolationInfo().Allocated)

	require.NoError(t, cfg.SetIsolationMode(IsolationPerDomain))
	assert.Equal(t, 0, cfg.IsolationInfo().Allocated)
}

func TestIsolationPortsForTorrc(t *testing.T) {
	srv := newScriptedControl(t)
	cfg, _ := newTestConfig(t, srv)

	assert.Empty(t, cfg.IsolationPorts())

	require.NoError(t, cfg.SetIsolationMode(IsolationPerTab))
	ports := cfg.IsolationPorts()
	require.Len(t, ports, 10)
	assert.Equal(t, 9053, ports[0])
	assert.Equal(t, 9062, ports[9])
}

func TestNewSessionKeyUnique(t *testing.T) {
	assert.NotEqual(t, NewSessionKey(), NewSessionKey())
}

func TestValidateBridgeLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"plain address", "192.0.2.1:9001", true},
		{"obfs4 full", "obfs4 192.0.2.3:443 0123456789ABCDEF0123456789ABCDEF01234567 cert=abcd iat-mode=0", true},
		{"snowflake with params", "snowflake 192.0.2.3:80 fingerprint=2B280B23E1107BB62ABFC40DDCC8824814F80A72 url=https://example.org/", true},
		{"empty", "", false},
		{"no port", "obfs4 hostname cert=abcd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBridgeLine(tt.line)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
