package control

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Line is a single parsed reply line: a 3-digit status code, a separator
// (' ' final, '-' continuation, '+' data block), the text after the
// separator, and, for '+' lines, the data payload up to the closing dot.
type Line struct {
	Status int
	Sep    byte
	Text   string
	Data   []string
}

// Reply is a complete response to one control-protocol command.
type Reply struct {
	Lines []Line
}

// Status returns the status code of the final line, or 0 for an empty reply.
func (r *Reply) Status() int {
	if len(r.Lines) == 0 {
		return 0
	}
	return r.Lines[len(r.Lines)-1].Status
}

// OK reports whether the reply completed with status 250.
func (r *Reply) OK() bool {
	return r.Status() == 250
}

// Text returns the text of the final line.
func (r *Reply) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1].Text
}

// Value returns the value of a "key=value" line anywhere in the reply.
func (r *Reply) Value(key string) (string, bool) {
	prefix := key + "="
	for _, l := range r.Lines {
		if strings.HasPrefix(l.Text, prefix) {
			return strings.TrimPrefix(l.Text, prefix), true
		}
	}
	return "", false
}

// Block returns the data lines of a "key=" continuation block. A
// single-line "key=value" reply degrades to a one-element block.
func (r *Reply) Block(key string) []string {
	for _, l := range r.Lines {
		if l.Text == key+"=" && l.Sep == '+' {
			return l.Data
		}
	}
	if v, ok := r.Value(key); ok && v != "" {
		return []string{v}
	}
	return nil
}

// parseStatusLine splits a raw reply line into code, separator and text.
func parseStatusLine(raw string) (int, byte, string, error) {
	if len(raw) < 4 {
		return 0, 0, "", fmt.Errorf("%w: short line %q", ErrProtocol, raw)
	}
	code, err := strconv.Atoi(raw[:3])
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: bad status in %q", ErrProtocol, raw)
	}
	sep := raw[3]
	if sep != ' ' && sep != '-' && sep != '+' {
		return 0, 0, "", fmt.Errorf("%w: bad separator in %q", ErrProtocol, raw)
	}
	return code, sep, raw[4:], nil
}

// replyReader assembles complete replies from a stream, buffering partial
// reads until a terminator is observed. A "250 OK" final line, a 4xx/5xx
// status line, and a data block closed by a lone "." all terminate the
// same framing walk. In-progress lines stay visible through Partial so a
// timed-out command can still surface best-effort data.
type replyReader struct {
	br *bufio.Reader

	mu      sync.Mutex
	current []Line
}

func newReplyReader(r io.Reader) *replyReader {
	return &replyReader{br: bufio.NewReader(r)}
}

// Partial returns a snapshot of the lines of the reply being assembled.
func (rr *replyReader) Partial() []Line {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	out := make([]Line, len(rr.current))
	copy(out, rr.current)
	for i := range out {
		out[i].Data = append([]string(nil), out[i].Data...)
	}
	return out
}

// Read blocks until one complete command reply is available. Asynchronous
// 650 event replies are consumed and dropped so they never corrupt the
// framing of the in-flight command.
func (rr *replyReader) Read() (*Reply, error) {
	for {
		rep, err := rr.readOne()
		if err != nil {
			return nil, err
		}
		if len(rep.Lines) > 0 && rep.Lines[0].Status == 650 {
			continue
		}
		return rep, nil
	}
}

func (rr *replyReader) readOne() (*Reply, error) {
	defer func() {
		rr.mu.Lock()
		rr.current = nil
		rr.mu.Unlock()
	}()

	for {
		raw, err := rr.br.ReadString('\n')
		if err != nil {
			// A dot-terminated block followed directly by stream end is
			// still a complete reply.
			if err == io.EOF && len(rr.Partial()) > 0 {
				return &Reply{Lines: rr.Partial()}, nil
			}
			return nil, err
		}
		line := strings.TrimRight(raw, "\r\n")

		code, sep, text, err := parseStatusLine(line)
		if err != nil {
			return nil, err
		}

		rr.mu.Lock()
		rr.current = append(rr.current, Line{Status: code, Sep: sep, Text: text})
		idx := len(rr.current) - 1
		rr.mu.Unlock()

		if sep == '+' {
			if err := rr.readData(idx); err != nil {
				return nil, err
			}
		}

		if sep == ' ' {
			rr.mu.Lock()
			lines := rr.current
			rr.mu.Unlock()
			return &Reply{Lines: lines}, nil
		}
	}
}

// readData consumes a data block up to its closing "." line, unescaping
// dot-stuffed payload lines.
func (rr *replyReader) readData(idx int) error {
	for {
		raw, err := rr.br.ReadString('\n')
		if err != nil {
			return err
		}
		d := strings.TrimRight(raw, "\r\n")
		if d == "." {
			return nil
		}
		if strings.HasPrefix(d, "..") {
			d = d[1:]
		}
		rr.mu.Lock()
		rr.current[idx].Data = append(rr.current[idx].Data, d)
		rr.mu.Unlock()
	}
}
