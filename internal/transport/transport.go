// Package transport adapts TCP sockets and WebSocket connections to the
// message-oriented Conn and Listener interfaces used by the reactor.
//
// A Conn yields exactly one application message per ReadMessage call. How a
// message is delimited depends on the transport: TCP connections use a
// Framing mode, WebSocket connections use one text frame per message.
package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrListenerClosed is returned by Accept once the listener has been closed.
var ErrListenerClosed = errors.New("transport: listener closed")

// Conn is a message-oriented client connection.
type Conn interface {
	// ReadMessage blocks until one inbound message is available.
	ReadMessage() ([]byte, error)
	// Write sends one outbound line.
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
}

// Listener produces accepted connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// IsExpectedClose reports whether err is a normal end of a connection:
// EOF, a closed socket, a reset peer, or a normal WebSocket close.
func IsExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
