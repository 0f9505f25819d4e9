package control

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/infrastructure/monitoring"
)

// Options configures a control session.
type Options struct {
	Addr           string
	Password       string
	CookiePath     string
	DialTimeout    time.Duration
	AuthTimeout    time.Duration
	CommandTimeout time.Duration
	Logger         *logging.Logger
	Metrics        *monitoring.Metrics
}

type request struct {
	line    string
	timeout time.Duration
	reply   chan response
}

type response struct {
	reply *Reply
	err   error
}

type replyResult struct {
	reply *Reply
	err   error
}

// Session is a persistent connection to the daemon's control port.
//
// All commands funnel through a single dispatch goroutine, so exactly one
// command is ever outstanding on the wire; concurrent callers queue behind
// it instead of interleaving writes. A command that times out abandons its
// listener but leaves the session intact: its late reply is counted as
// stale and discarded before the next command is written.
type Session struct {
	opts Options

	requests  chan *request
	done      chan struct{}
	closeOnce sync.Once

	authed atomic.Bool

	// Connection state, owned by the dispatch goroutine. connMu only
	// guards the handle itself so Reset can sever it from outside.
	connMu  sync.Mutex
	conn    net.Conn
	reader  *replyReader
	replies chan replyResult
	stale   int
}

// NewSession creates a control session. No connection is made until the
// first command; every command transparently reconnects and
// re-authenticates when the socket is absent.
func NewSession(opts Options) *Session {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	s := &Session{
		opts:     opts,
		requests: make(chan *request, 16),
		done:     make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Authenticated reports whether the current connection has authenticated.
func (s *Session) Authenticated() bool {
	return s.authed.Load()
}

// Connect forces a connection and authentication round trip.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.Send(ctx, "GETINFO version")
	return err
}

// Send issues a command with the default command timeout.
func (s *Session) Send(ctx context.Context, line string) (*Reply, error) {
	return s.SendTimeout(ctx, line, s.opts.CommandTimeout)
}

// SendTimeout issues a command with an explicit timeout. The reply is the
// complete framed response; on timeout any partially received reply is
// returned best-effort.
func (s *Session) SendTimeout(ctx context.Context, line string, timeout time.Duration) (*Reply, error) {
	req := &request{line: line, timeout: timeout, reply: make(chan response, 1)}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}

	select {
	case res := <-req.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// GetInfo issues GETINFO for a single key and returns its value, or the
// empty string when the daemon did not include the key.
func (s *Session) GetInfo(ctx context.Context, key string) (string, error) {
	rep, err := s.Send(ctx, "GETINFO "+key)
	if err != nil {
		return "", err
	}
	if !rep.OK() {
		return "", fmt.Errorf("getinfo %s: status %d", key, rep.Status())
	}
	v, _ := rep.Value(key)
	return v, nil
}

// GetInfoLines issues GETINFO for a multi-line key and returns the data
// block lines.
func (s *Session) GetInfoLines(ctx context.Context, key string) ([]string, error) {
	rep, err := s.Send(ctx, "GETINFO "+key)
	if err != nil {
		return nil, err
	}
	if !rep.OK() {
		return nil, fmt.Errorf("getinfo %s: status %d", key, rep.Status())
	}
	return rep.Block(key), nil
}

// Reset severs the current connection without closing the session. The
// next command reconnects and re-authenticates.
func (s *Session) Reset() {
	s.authed.Store(false)
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
}

// Close shuts the session down permanently.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Reset()
	})
	return nil
}

func (s *Session) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			rep, err := s.execute(req)
			select {
			case req.reply <- response{reply: rep, err: err}:
			default:
			}
		}
	}
}

func (s *Session) execute(req *request) (*Reply, error) {
	timer := monitoring.NewTimer(s.opts.Metrics, commandVerb(req.line))

	rep, err := s.roundTrip(req)
	switch {
	case err == nil:
		timer.Stop("ok")
	case err == ErrCommandTimeout:
		timer.Stop("timeout")
	default:
		timer.Stop("error")
	}
	return rep, err
}

func (s *Session) roundTrip(req *request) (*Reply, error) {
	if err := s.ensureConnected(); err != nil {
		return nil, err
	}
	if err := s.drainStale(req.timeout); err != nil {
		return nil, err
	}

	if err := s.write(req.line); err != nil {
		// One transparent retry on a fresh connection.
		s.teardown(err)
		if err := s.ensureConnected(); err != nil {
			return nil, err
		}
		if err := s.write(req.line); err != nil {
			s.teardown(err)
			return nil, err
		}
	}

	timeout := time.NewTimer(req.timeout)
	defer timeout.Stop()

	select {
	case res := <-s.replies:
		if res.err != nil {
			s.teardown(res.err)
			return nil, res.err
		}
		return res.reply, nil
	case <-timeout.C:
		if s.opts.Metrics != nil {
			s.opts.Metrics.CommandTimeouts.Inc()
		}
		s.stale++
		if partial := s.reader.Partial(); len(partial) > 0 {
			// The reply started arriving; hand back what there is. The
			// reader finishes consuming it before the next command.
			return &Reply{Lines: partial}, ErrCommandTimeout
		}
		return nil, ErrCommandTimeout
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// drainStale discards replies owed to commands that timed out earlier, so
// the next reply on the wire pairs with the next write.
func (s *Session) drainStale(timeout time.Duration) error {
	for s.stale > 0 {
		select {
		case res := <-s.replies:
			if res.err != nil {
				s.teardown(res.err)
				return s.ensureConnected()
			}
			s.stale--
		case <-time.After(timeout):
			return ErrCommandTimeout
		case <-s.done:
			return ErrSessionClosed
		}
	}
	return nil
}

func (s *Session) write(line string) error {
	s.opts.Logger.Debug("control send", zap.String("command", commandVerb(line)))
	_, err := s.conn.Write([]byte(line + "\r\n"))
	return err
}

func (s *Session) ensureConnected() error {
	if s.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", s.opts.Addr, s.opts.DialTimeout)
	if err != nil {
		return fmt.Errorf("control connect %s: %w", s.opts.Addr, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.reader = newReplyReader(conn)
	s.replies = make(chan replyResult, 32)
	s.stale = 0
	go readLoop(s.reader, s.replies)

	if s.opts.Metrics != nil {
		s.opts.Metrics.Reconnects.Inc()
	}

	if err := s.authenticate(); err != nil {
		s.teardown(err)
		return err
	}
	return nil
}

func readLoop(rr *replyReader, out chan replyResult) {
	for {
		rep, err := rr.Read()
		if err != nil {
			out <- replyResult{err: err}
			return
		}
		out <- replyResult{reply: rep}
	}
}

// authenticate sends AUTHENTICATE with, in preference order: the quoted
// shared secret, the hex-encoded cookie file contents, or empty
// credentials.
func (s *Session) authenticate() error {
	if err := s.write(s.authLine()); err != nil {
		return err
	}

	timeout := time.NewTimer(s.opts.AuthTimeout)
	defer timeout.Stop()

	select {
	case res := <-s.replies:
		if res.err != nil {
			return res.err
		}
		switch status := res.reply.Status(); {
		case status == 250:
			s.authed.Store(true)
			s.opts.Logger.Info("control session authenticated", zap.String("addr", s.opts.Addr))
			return nil
		case status == 515:
			return ErrAuthFailed
		default:
			return fmt.Errorf("%w: status %d", ErrAuthFailed, status)
		}
	case <-timeout.C:
		return ErrAuthTimeout
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) authLine() string {
	if s.opts.Password != "" {
		return fmt.Sprintf("AUTHENTICATE %q", s.opts.Password)
	}
	if s.opts.CookiePath != "" {
		if cookie, err := os.ReadFile(s.opts.CookiePath); err == nil && len(cookie) > 0 {
			return "AUTHENTICATE " + hex.EncodeToString(cookie)
		}
	}
	return "AUTHENTICATE"
}

// teardown drops the connection and clears the authenticated flag; the
// next command reconnects transparently.
func (s *Session) teardown(cause error) {
	s.authed.Store(false)

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		conn.Close()
		s.opts.Logger.Warn("control session dropped", zap.Error(cause))
	}
	s.reader = nil
	s.replies = nil
	s.stale = 0
}

func commandVerb(line string) string {
	if i := strings.IndexByte(line, ' '); i > 0 {
		return line[:i]
	}
	return line
}
