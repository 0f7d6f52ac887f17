package transport

import (
	"errors"
	"net"
	"time"
)

// TCPOptions configures connections produced by a TCPListener.
type TCPOptions struct {
	Framing      Framing
	MaxMessage   int
	WriteTimeout time.Duration
}

// TCPListener wraps a net.Listener and frames every accepted socket.
type TCPListener struct {
	ln   net.Listener
	opts TCPOptions
}

// ListenTCP binds addr and returns a framing listener.
func ListenTCP(addr string, opts TCPOptions) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPListener(ln, opts), nil
}

// NewTCPListener wraps an existing listener.
func NewTCPListener(ln net.Listener, opts TCPOptions) *TCPListener {
	if opts.Framing == "" {
		opts.Framing = FramingLine
	}
	return &TCPListener{ln: ln, opts: opts}
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return NewStreamConn(c, l.opts), nil
}

// Close stops accepting.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address.
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// streamConn frames a net.Conn. Only one goroutine may call ReadMessage and
// only one may call Write at a time.
type streamConn struct {
	conn         net.Conn
	framer       framer
	writeTimeout time.Duration
}

// NewStreamConn frames any net.Conn, including net.Pipe ends in tests.
func NewStreamConn(c net.Conn, opts TCPOptions) Conn {
	return &streamConn{
		conn:         c,
		framer:       newFramer(opts.Framing, c, opts.MaxMessage),
		writeTimeout: opts.WriteTimeout,
	}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	return c.framer.next()
}

func (c *streamConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
