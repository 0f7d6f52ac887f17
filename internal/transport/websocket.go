package transport

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsReadCeiling bounds a single inbound frame. Frames within it are
// truncated to the message cap like TCP lines; larger ones end the session.
const wsReadCeiling = 64 << 10

// WebSocketListener turns upgraded WebSocket connections into Conns. The
// HTTP side hands connections over with Offer; the reactor takes them with
// Accept.
type WebSocketListener struct {
	addr         string
	maxMessage   int64
	writeTimeout time.Duration

	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketListener creates a listener. addr is informational only.
func NewWebSocketListener(addr string, maxMessage int, writeTimeout time.Duration) *WebSocketListener {
	return &WebSocketListener{
		addr:         addr,
		maxMessage:   int64(maxMessage),
		writeTimeout: writeTimeout,
		conns:        make(chan Conn),
		done:         make(chan struct{}),
	}
}

// Offer blocks until the connection is accepted or the listener closes. The
// caller keeps ownership of ws only when an error is returned.
func (l *WebSocketListener) Offer(ws *websocket.Conn) error {
	limit := int64(wsReadCeiling)
	if l.maxMessage > limit {
		limit = l.maxMessage
	}
	ws.SetReadLimit(limit)
	c := &wsConn{ws: ws, maxMessage: l.maxMessage, writeTimeout: l.writeTimeout}

	select {
	case l.conns <- c:
		return nil
	case <-l.done:
		return ErrListenerClosed
	}
}

// Accept waits for the next offered connection.
func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

// Close unblocks pending Offer and Accept calls.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// Addr returns the HTTP address the gateway serves on.
func (l *WebSocketListener) Addr() string {
	return "ws://" + l.addr
}

type wsConn struct {
	ws           *websocket.Conn
	maxMessage   int64
	writeTimeout time.Duration
}

// ReadMessage returns the next data frame cut to the message cap. The rest of
// an oversized frame is discarded.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, r, err := c.ws.NextReader()
	if err != nil {
		return nil, err
	}
	if c.maxMessage <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxMessage))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return data, nil
}

// Write sends p as a single text frame without its trailing newline.
func (c *wsConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(p, []byte{'\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) RemoteAddr() string {
	if addr := c.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
