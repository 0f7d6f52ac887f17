package testutil

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/transport"
)

// PipeListener is a transport.Listener whose connections are created by Dial
// over net.Pipe.
type PipeListener struct {
	opts  transport.TCPOptions
	conns chan transport.Conn
	done  chan struct{}
	once  sync.Once
}

// NewPipeListener returns a listener that wraps the server side of each pipe
// with opts.
func NewPipeListener(opts transport.TCPOptions) *PipeListener {
	return &PipeListener{
		opts:  opts,
		conns: make(chan transport.Conn),
		done:  make(chan struct{}),
	}
}

// Dial connects a new peer. It blocks until the listener accepts.
func (l *PipeListener) Dial(t *testing.T) *Peer {
	t.Helper()
	server, client := net.Pipe()
	select {
	case l.conns <- transport.NewStreamConn(server, l.opts):
	case <-time.After(2 * time.Second):
		t.Fatal("dial: listener did not accept")
	}
	p := newPeer(client)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func (l *PipeListener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	}
}

func (l *PipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *PipeListener) Addr() string { return "pipe" }

// Peer is the client end of a pipe. A goroutine keeps reading so the server
// never blocks writing to it.
type Peer struct {
	conn  net.Conn
	lines chan string
	eof   chan struct{}
}

func newPeer(conn net.Conn) *Peer {
	p := &Peer{
		conn:  conn,
		lines: make(chan string, 256),
		eof:   make(chan struct{}),
	}
	go func() {
		defer close(p.eof)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
	}()
	return p
}

// Send writes line followed by a newline.
func (p *Peer) Send(t *testing.T, line string) {
	t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(t, err, "send %q", line)
}

// Expect returns the body of the next line, without its timestamp.
func (p *Peer) Expect(t *testing.T) string {
	t.Helper()
	select {
	case line := <-p.lines:
		return StripStamp(line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

// ExpectLines reads n lines and returns their bodies.
func (p *Peer) ExpectLines(t *testing.T, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.Expect(t))
	}
	return out
}

// ExpectNothing fails if a line arrives within d.
func (p *Peer) ExpectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case line := <-p.lines:
		t.Fatalf("unexpected line %q", line)
	case <-time.After(d):
	}
}

// ExpectClosed waits for the server to close the connection after any
// remaining lines are consumed.
func (p *Peer) ExpectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line := <-p.lines:
			t.Fatalf("unexpected line %q before close", line)
		case <-p.eof:
			if len(p.lines) == 0 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for close")
			return
		}
	}
}

// Close hangs up the peer.
func (p *Peer) Close() error {
	return p.conn.Close()
}
