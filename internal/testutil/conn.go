// Package testutil provides shared helpers for roomchat tests: a recording
// connection for unit tests and line-reading peers for end-to-end tests.
package testutil

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrWriteFailed is returned by a RecordingConn with FailWrites set.
var ErrWriteFailed = errors.New("testutil: write failed")

// RecordingConn is an in-memory transport.Conn that records every write.
// Reads block until Close.
type RecordingConn struct {
	Addr       string
	FailWrites bool

	mu     sync.Mutex
	writes []string
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewRecordingConn returns an open connection reporting addr as its peer.
func NewRecordingConn(addr string) *RecordingConn {
	return &RecordingConn{Addr: addr, done: make(chan struct{})}
}

func (c *RecordingConn) ReadMessage() ([]byte, error) {
	<-c.done
	return nil, io.EOF
}

func (c *RecordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if c.FailWrites {
		return 0, ErrWriteFailed
	}
	c.writes = append(c.writes, string(p))
	return len(p), nil
}

func (c *RecordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *RecordingConn) SetReadDeadline(time.Time) error { return nil }

func (c *RecordingConn) RemoteAddr() string { return c.Addr }

// Writes returns every frame written so far.
func (c *RecordingConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// Bodies returns the written frames with the "[timestamp] " prefix and the
// trailing newline removed.
func (c *RecordingConn) Bodies() []string {
	writes := c.Writes()
	out := make([]string, len(writes))
	for i, w := range writes {
		out[i] = StripStamp(w)
	}
	return out
}

// Last returns the body of the most recent frame, or "".
func (c *RecordingConn) Last() string {
	b := c.Bodies()
	if len(b) == 0 {
		return ""
	}
	return b[len(b)-1]
}

// Reset forgets recorded writes.
func (c *RecordingConn) Reset() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *RecordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// StripStamp removes a leading "[...] " timestamp and the trailing newline.
func StripStamp(line string) string {
	line = strings.TrimSuffix(line, "\n")
	if strings.HasPrefix(line, "[") {
		if i := strings.Index(line, "] "); i >= 0 {
			return line[i+2:]
		}
	}
	return line
}
