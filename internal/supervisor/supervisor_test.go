package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilbrowse/torgate/internal/control"
	"github.com/veilbrowse/torgate/internal/infrastructure/config"
	"github.com/veilbrowse/torgate/internal/shared/types"
)

type fakeMaterializer struct {
	path string
	err  error
}

func (m *fakeMaterializer) Materialize() (string, error) {
	return m.path, m.err
}

func newTestSupervisor(t *testing.T, cfg *config.Config) *Supervisor {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	session := control.NewSession(control.Options{Addr: cfg.ControlAddr()})
	t.Cleanup(func() { session.Close() })
	return New(cfg, session, &fakeMaterializer{path: filepath.Join(t.TempDir(), "torrc")}, nil, nil)
}

func TestStartMissingBinaryLeavesStateUnchanged(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.BinaryPath = filepath.Join(t.TempDir(), "no-such-tor")
	s := newTestSupervisor(t, cfg)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrBinaryNotFound)
	assert.Equal(t, types.StateStopped, s.State())
}

func TestStopIsIdempotentWhenStopped(t *testing.T) {
	s := newTestSupervisor(t, nil)

	require.Equal(t, types.StateStopped, s.State())
	assert.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, types.StateStopped, s.State())
}

func TestStopNormalizesErrorState(t *testing.T) {
	s := newTestSupervisor(t, nil)

	s.setState(types.StateError)
	assert.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, types.StateStopped, s.State())
}

func TestStartBootstrapTimeout(t *testing.T) {
	sleepBin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	cfg := config.Default()
	cfg.Daemon.BinaryPath = sleepBin
	cfg.Daemon.BootstrapTimeout = 100 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	// "sleep -f <torrc>" exits immediately on some platforms and hangs on
	// others; both edges must resolve Start to a failure with state Error.
	err = s.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, types.StateError, s.State())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStaleProcessExitDoesNotClobberNewRun(t *testing.T) {
	trueBin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}

	s := newTestSupervisor(t, nil)

	// The old run's process has been killed by a bootstrap timeout and a
	// new Start already installed its own command.
	old := exec.Command(trueBin)
	require.NoError(t, old.Start())
	current := exec.Command(trueBin)

	s.mu.Lock()
	s.cmd = current
	s.setStateLocked(types.StateStarting)
	s.mu.Unlock()

	done := make(chan struct{})
	s.waitProcess(old, done)
	<-done

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Same(t, current, s.cmd)
	assert.Equal(t, types.StateStarting, s.state)
}

func TestSubscribePublish(t *testing.T) {
	s := newTestSupervisor(t, nil)

	events, cancel := s.Subscribe()
	defer cancel()

	s.Publish(types.Event{Type: types.EventNewIdentity, Rotations: 3})

	select {
	case e := <-events:
		assert.Equal(t, types.EventNewIdentity, e.Type)
		assert.Equal(t, uint64(3), e.Rotations)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	s := newTestSupervisor(t, nil)

	events, cancel := s.Subscribe()
	cancel()

	// Channel is closed on cancel; publishing afterwards must not panic.
	s.Publish(types.Event{Type: types.EventBootstrap, Progress: 10})
	_, open := <-events
	assert.False(t, open)
}

func TestStateChangeEmitsEvent(t *testing.T) {
	s := newTestSupervisor(t, nil)

	events, cancel := s.Subscribe()
	defer cancel()

	s.setState(types.StateStarting)

	select {
	case e := <-events:
		assert.Equal(t, types.EventStateChange, e.Type)
		assert.Equal(t, types.StateStopped, e.From)
		assert.Equal(t, types.StateStarting, e.To)
	case <-time.After(time.Second):
		t.Fatal("no state-change event")
	}
}

func TestResolveBinaryOverride(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, binaryName())
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	path, libDir, err := resolveBinary(config.DaemonConfig{BinaryPath: bin})
	require.NoError(t, err)
	assert.Equal(t, bin, path)
	assert.Empty(t, libDir)
}

func TestResolveBinaryBundled(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, binaryName())
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	path, libDir, err := resolveBinary(config.DaemonConfig{BundledDir: dir})
	require.NoError(t, err)
	assert.Equal(t, bin, path)
	assert.Equal(t, dir, libDir)
}

func TestResolveBinaryMissingIncludesHint(t *testing.T) {
	_, _, err := resolveBinary(config.DaemonConfig{BinaryPath: filepath.Join(t.TempDir(), "nope")})
	require.ErrorIs(t, err, ErrBinaryNotFound)
	assert.Contains(t, err.Error(), "TOR_BINARY")
}

func TestProcessEnvInjectsLibraryPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no linker search path variable on windows")
	}

	env := processEnv("/opt/torgate/lib")
	key := libraryPathVar() + "="
	found := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, key) {
			found = kv
		}
	}
	require.NotEmpty(t, found)
	assert.True(t, strings.HasPrefix(found, key+"/opt/torgate/lib"))
}

func TestProcessEnvWithoutBundledDir(t *testing.T) {
	assert.Equal(t, len(os.Environ()), len(processEnv("")))
}
