package control

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
)

// fakeControlServer speaks just enough of the control protocol for tests:
// it accepts any AUTHENTICATE line (unless rejectAuth is set) and answers
// subsequent commands through the handle callback.
type fakeControlServer struct {
	t          *testing.T
	ln         net.Listener
	rejectAuth bool
	handle     func(cmd string, w *bufio.Writer)

	mu       sync.Mutex
	commands []string
}

func newFakeControlServer(t *testing.T) *fakeControlServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeControlServer{t: t, ln: ln}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeControlServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeControlServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeControlServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *fakeControlServer) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		if strings.HasPrefix(cmd, "AUTHENTICATE") {
			if s.rejectAuth {
				fmt.Fprintf(w, "515 Bad authentication\r\n")
			} else {
				fmt.Fprintf(w, "250 OK\r\n")
			}
			w.Flush()
			continue
		}
		if s.handle != nil {
			s.handle(cmd, w)
			w.Flush()
			continue
		}
		fmt.Fprintf(w, "250 OK\r\n")
		w.Flush()
	}
}

func newTestSession(t *testing.T, srv *fakeControlServer) *Session {
	t.Helper()
	s := NewSession(Options{
		Addr:           srv.addr(),
		CommandTimeout: 2 * time.Second,
		AuthTimeout:    2 * time.Second,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionAuthenticatesOnFirstCommand(t *testing.T) {
	srv := newFakeControlServer(t)
	srv.handle = func(cmd string, w *bufio.Writer) {
		if cmd == "GETINFO version" {
			fmt.Fprintf(w, "250-version=0.4.8.12\r\n250 OK\r\n")
			return
		}
		fmt.Fprintf(w, "250 OK\r\n")
	}
	s := newTestSession(t, srv)

	v, err := s.GetInfo(context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "0.4.8.12", v)
	assert.True(t, s.Authenticated())

	seen := srv.seen()
	require.NotEmpty(t, seen)
	assert.Equal(t, "AUTHENTICATE", seen[0])
}

func TestSessionAuthRejected(t *testing.T) {
	srv := newFakeControlServer(t)
	srv.rejectAuth = true
	s := newTestSession(t, srv)

	_, err := s.Send(context.Background(), "GETINFO version")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, s.Authenticated())
}

func TestSessionMultiLineReply(t *testing.T) {
	srv := newFakeControlServer(t)
	srv.handle = func(cmd string, w *bufio.Writer) {
		if cmd == "GETINFO circuit-status" {
			fmt.Fprintf(w, "250+circuit-status=\r\n1 BUILT $AAAA,$BBBB GENERAL\r\n2 LAUNCHED $CCCC GENERAL\r\n.\r\n250 OK\r\n")
			return
		}
		fmt.Fprintf(w, "250 OK\r\n")
	}
	s := newTestSession(t, srv)

	lines, err := s.GetInfoLines(context.Background(), "circuit-status")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"1 BUILT $AAAA,$BBBB GENERAL",
		"2 LAUNCHED $CCCC GENERAL",
	}, lines)
}

func TestSessionSerializesConcurrentCommands(t *testing.T) {
	srv := newFakeControlServer(t)
	srv.handle = func(cmd string, w *bufio.Writer) {
		// Echo the command back so each caller can verify it received
		// the reply to its own request, not a neighbor's.
		time.Sleep(5 * time.Millisecond)
		fmt.Fprintf(w, "250-echo=%s\r\n250 OK\r\n", cmd)
	}
	s := newTestSession(t, srv)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("GETINFO probe/%d", i)
			rep, err := s.Send(context.Background(), cmd)
			if err != nil {
				errs[i] = err
				return
			}
			if v, _ := rep.Value("echo"); v != cmd {
				errs[i] = fmt.Errorf("cross-talk: sent %q got echo %q", cmd, v)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
}

func TestSessionCommandTimeoutLeavesSessionUsable(t *testing.T) {
	srv := newFakeControlServer(t)
	var slow sync.Once
	srv.handle = func(cmd string, w *bufio.Writer) {
		slow.Do(func() {
			// First command: reply far too late.
			time.Sleep(300 * time.Millisecond)
		})
		fmt.Fprintf(w, "250-echo=%s\r\n250 OK\r\n", cmd)
	}
	s := newTestSession(t, srv)

	_, err := s.SendTimeout(context.Background(), "GETINFO slow", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrCommandTimeout)

	// The late reply to the abandoned command must be discarded, not
	// delivered to the next caller.
	rep, err := s.Send(context.Background(), "GETINFO fast")
	require.NoError(t, err)
	v, _ := rep.Value("echo")
	assert.Equal(t, "GETINFO fast", v)
}

func TestSessionReconnectsAfterReset(t *testing.T) {
	srv := newFakeControlServer(t)
	s := newTestSession(t, srv)

	require.NoError(t, s.Connect(context.Background()))
	require.True(t, s.Authenticated())

	s.Reset()
	assert.False(t, s.Authenticated())

	// Next command transparently reconnects and re-authenticates.
	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Authenticated())

	auths := 0
	for _, cmd := range srv.seen() {
		if strings.HasPrefix(cmd, "AUTHENTICATE") {
			auths++
		}
	}
	assert.Equal(t, 2, auths)
}

func TestSessionClosedRejectsCommands(t *testing.T) {
	srv := newFakeControlServer(t)
	s := newTestSession(t, srv)

	require.NoError(t, s.Connect(context.Background()))
	s.Close()

	_, err := s.Send(context.Background(), "GETINFO version")
	assert.ErrorIs(t, err, ErrSessionClosed)
}
