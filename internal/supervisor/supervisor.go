package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/control"
	"github.com/veilbrowse/torgate/internal/infrastructure/config"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/infrastructure/monitoring"
	"github.com/veilbrowse/torgate/internal/shared/types"
)

// Materializer renders the daemon configuration file before each start.
type Materializer interface {
	Materialize() (string, error)
}

// Supervisor owns the daemon process and its lifecycle state machine.
// It is the only component allowed to mutate the state or the process;
// everything else reads snapshots and issues commands through the shared
// control session.
type Supervisor struct {
	cfg     *config.Config
	mat     Materializer
	session *control.Session
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu        sync.RWMutex
	state     types.DaemonState
	cmd       *exec.Cmd
	startedAt time.Time
	progress  int
	phase     string
	procDone  chan struct{}
	bootDone  chan struct{}
	bootOnce  *sync.Once

	subMu   sync.Mutex
	subs    map[int]chan types.Event
	nextSub int
}

// New creates a supervisor. The control session is injected so its owner
// can share it with the circuit, policy, onion, and telemetry components.
func New(cfg *config.Config, session *control.Session, mat Materializer, logger *logging.Logger, metrics *monitoring.Metrics) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		mat:     mat,
		session: session,
		logger:  logger,
		metrics: metrics,
		state:   types.StateStopped,
		subs:    make(map[int]chan types.Event),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() types.DaemonState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Session returns the shared control session.
func (s *Supervisor) Session() *control.Session {
	return s.session
}

// Bootstrap returns the last observed progress and phase.
func (s *Supervisor) Bootstrap() (int, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress, s.phase
}

// Proxy returns the SOCKS endpoint the browser layer should route through.
func (s *Supervisor) Proxy() types.ProxyConfig {
	return types.ProxyConfig{
		Host: s.cfg.Socks.Host,
		Port: s.cfg.Socks.Port,
		Type: "socks5",
	}
}

// Status returns the lifecycle portion of the status snapshot.
func (s *Supervisor) Status() types.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.Status{
		State:             s.state,
		ProcessRunning:    s.cmd != nil,
		Authenticated:     s.session.Authenticated(),
		BootstrapProgress: s.progress,
		BootstrapPhase:    s.phase,
		Proxy:             s.Proxy(),
	}
	if s.cmd != nil {
		started := s.startedAt
		st.StartedAt = &started
	}
	return st
}

// Subscribe registers an event listener. The returned cancel function
// removes it. Slow listeners drop events rather than block the owner.
func (s *Supervisor) Subscribe() (<-chan types.Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan types.Event, 16)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Publish fans an event out to all subscribers.
func (s *Supervisor) Publish(e types.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Start spawns the daemon and blocks until bootstrap completes and the
// control session authenticates, or until the bootstrap deadline. It
// fails fast, without touching the state, when the daemon is already
// running or no binary resolves.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Running() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	binPath, bundledLibDir, err := resolveBinary(s.cfg.Daemon)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	torrcPath, err := s.mat.Materialize()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("materialize daemon config: %w", err)
	}

	cmd := exec.Command(binPath, "-f", torrcPath)
	cmd.Env = processEnv(bundledLibDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	s.cmd = cmd
	s.startedAt = time.Now()
	s.progress = 0
	s.phase = ""
	s.procDone = make(chan struct{})
	s.bootDone = make(chan struct{})
	s.bootOnce = &sync.Once{}
	procDone, bootDone := s.procDone, s.bootDone
	s.setStateLocked(types.StateStarting)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DaemonStarts.Inc()
	}
	s.logger.Info("tor process started",
		zap.String("binary", binPath),
		zap.Int("pid", cmd.Process.Pid),
	)

	go s.consumeOutput(stdout)
	go s.consumeOutput(stderr)
	go s.waitProcess(cmd, procDone)

	deadline := time.NewTimer(s.cfg.Daemon.BootstrapTimeout)
	defer deadline.Stop()

	select {
	case <-bootDone:
		if err := s.session.Connect(ctx); err != nil {
			s.terminate(cmd)
			s.setState(types.StateError)
			return fmt.Errorf("control session after bootstrap: %w", err)
		}
		s.setState(types.StateConnected)
		return nil
	case <-procDone:
		return ErrUnexpectedExit
	case <-deadline.C:
		s.terminate(cmd)
		s.setState(types.StateError)
		return ErrBootstrapTimeout
	case <-ctx.Done():
		s.terminate(cmd)
		s.setState(types.StateError)
		return ctx.Err()
	}
}

// Stop terminates the daemon: graceful signal, grace period, then force
// kill. It is idempotent and always succeeds once the process has exited.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		if s.state != types.StateStopped {
			s.setStateLocked(types.StateStopped)
		}
		s.mu.Unlock()
		return nil
	}
	cmd, procDone := s.cmd, s.procDone
	s.setStateLocked(types.StateStopping)
	s.mu.Unlock()

	s.session.Reset()
	s.signalStop(cmd)

	grace := time.NewTimer(s.cfg.Daemon.StopGracePeriod)
	defer grace.Stop()

	select {
	case <-procDone:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	// Grace expired or caller gave up waiting: the process must still be
	// signaled to terminate before we return.
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	<-procDone
	return nil
}

// Restart stops the daemon, waits a short settle delay, and starts it
// again. The settle wait honors context cancellation.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}

	settle := time.NewTimer(s.cfg.Daemon.RestartSettle)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.Start(ctx)
}

// consumeOutput scans a process output stream for bootstrap reports.
// Non-matching lines are logged and otherwise ignored.
func (s *Supervisor) consumeOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		info, ok := parseBootstrapLine(line)
		if !ok {
			s.logger.Debug("daemon output", zap.String("line", line))
			continue
		}
		s.onBootstrap(info)
	}
}

func (s *Supervisor) onBootstrap(info BootstrapInfo) {
	s.mu.Lock()
	s.progress = info.Progress
	s.phase = info.Phase
	if s.state == types.StateStarting {
		s.setStateLocked(types.StateBootstrapping)
	}
	bootOnce, bootDone := s.bootOnce, s.bootDone
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BootstrapProgress.Set(float64(info.Progress))
	}

	s.Publish(types.Event{
		Type:     types.EventBootstrap,
		Progress: info.Progress,
		Phase:    info.Phase,
	})

	if info.Progress >= 100 && bootOnce != nil {
		bootOnce.Do(func() { close(bootDone) })
	}
}

// waitProcess reaps the process and resolves the exit edge of the state
// machine: Stopping becomes Stopped, anything else is an unexpected exit.
// Only the reaper of the current process may mutate the state; a process
// a failed Start already killed must not clobber a newer run.
func (s *Supervisor) waitProcess(cmd *exec.Cmd, procDone chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	if s.cmd != cmd {
		s.mu.Unlock()
		close(procDone)
		s.logger.Debug("stale tor process reaped", zap.Error(err))
		return
	}
	wasStopping := s.state == types.StateStopping
	s.cmd = nil
	if wasStopping {
		s.setStateLocked(types.StateStopped)
	} else {
		s.setStateLocked(types.StateError)
	}
	s.mu.Unlock()

	s.session.Reset()
	close(procDone)

	if wasStopping {
		s.logger.Info("tor process stopped")
		return
	}
	if s.metrics != nil {
		s.metrics.DaemonCrashes.Inc()
	}
	s.logger.Error("tor process exited unexpectedly", zap.Error(err))
}

func (s *Supervisor) signalStop(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := interrupt(cmd.Process); err != nil {
		cmd.Process.Kill()
	}
}

func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func (s *Supervisor) setState(next types.DaemonState) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

// setStateLocked transitions the state machine and emits the change.
// Callers hold s.mu.
func (s *Supervisor) setStateLocked(next types.DaemonState) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next

	if s.metrics != nil {
		s.metrics.SetDaemonState(stateOrdinal(next))
	}
	s.logger.Info("daemon state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)

	s.Publish(types.Event{
		Type: types.EventStateChange,
		From: prev,
		To:   next,
	})
}

func stateOrdinal(st types.DaemonState) int {
	switch st {
	case types.StateStopped:
		return 0
	case types.StateStarting:
		return 1
	case types.StateBootstrapping:
		return 2
	case types.StateConnected:
		return 3
	case types.StateError:
		return 4
	case types.StateStopping:
		return 5
	default:
		return -1
	}
}
