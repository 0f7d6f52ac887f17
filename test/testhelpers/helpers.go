// Package testhelpers provides common utilities for the roomchat end-to-end
// tests: a full server stack on loopback ports and line-reading TCP and
// WebSocket clients.
package testhelpers

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/gateway"
	"github.com/Tyrowin/roomchat/internal/transport"
)

// TestOrigin is the origin the stack allows for WebSocket clients.
const TestOrigin = "http://localhost:8080"

const readTimeout = 3 * time.Second

// Stack is a running chat server with its TCP listener and HTTP gateway.
type Stack struct {
	Server  *chat.Server
	TCPAddr string
	HTTPURL string
	WSURL   string

	cancel context.CancelFunc
	done   chan error
}

// StartStack starts the chat server on a loopback TCP port and serves the
// gateway with httptest. customize may adjust the configuration.
func StartStack(t *testing.T, customize func(cfg *config.Config)) *Stack {
	t.Helper()

	cfg := config.NewConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.HTTP.AllowedOrigins = []string{TestOrigin}
	cfg.RateLimit.Burst = 100
	if customize != nil {
		customize(cfg)
	}
	cfg.Sanitize()

	framing, err := transport.ParseFraming(cfg.Framing)
	if err != nil {
		t.Fatalf("Invalid framing: %v", err)
	}
	tcp, err := transport.ListenTCP(cfg.Listen, transport.TCPOptions{
		Framing:      framing,
		MaxMessage:   cfg.FrameSize - 1,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ws := transport.NewWebSocketListener("httptest", cfg.FrameSize-1, cfg.WriteTimeout)

	srv := chat.New(cfg, transport.Merge(tcp, ws), zerolog.Nop())
	g := gateway.New(srv, ws, gateway.NewOriginPolicy(cfg.HTTP.AllowedOrigins, zerolog.Nop()), zerolog.Nop())
	httpServer := httptest.NewServer(g.Routes())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		Server:  srv,
		TCPAddr: tcp.Addr(),
		HTTPURL: httpServer.URL,
		WSURL:   "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { s.done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		s.Stop(t)
		httpServer.Close()
	})
	return s
}

// Stop cancels the server and waits for Run to return. It is safe to call
// more than once.
func (s *Stack) Stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err, ok := <-s.done:
		if ok && err != nil {
			t.Errorf("Server stopped with error: %v", err)
		}
		if ok {
			close(s.done)
		}
	case <-time.After(readTimeout):
		t.Error("Server did not stop in time")
	}
}

// WaitSessions polls the status snapshot until it reports want sessions.
func (s *Stack) WaitSessions(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		if s.Server.Stats().Sessions == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d sessions, got %d", want, s.Server.Stats().Sessions)
}

// Client is a chat client that reads one line at a time.
type Client interface {
	Send(t *testing.T, line string)
	ReadLine(t *testing.T) string
	ExpectNoLine(t *testing.T, d time.Duration)
	Close() error
}

// TCPClient talks to the TCP listener.
type TCPClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

// DialTCP connects to addr and sends name as the handshake.
func DialTCP(t *testing.T, addr, name string) *TCPClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, readTimeout)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	c := &TCPClient{conn: conn, reader: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = c.Close() })
	c.Send(t, name)
	return c
}

func (c *TCPClient) Send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("Failed to send %q: %v", line, err)
	}
}

// ReadLine returns the next line without its timestamp.
func (c *TCPClient) ReadLine(t *testing.T) string {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read line: %v", err)
	}
	return StripStamp(line)
}

func (c *TCPClient) ExpectNoLine(t *testing.T, d time.Duration) {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	line, err := c.reader.ReadString('\n')
	if err == nil {
		t.Fatalf("Expected no line, got %q", line)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Unexpected error while waiting for absence of line: %v", err)
	}
}

// ExpectEOF waits for the server to close the connection.
func (c *TCPClient) ExpectEOF(t *testing.T) {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	line, err := c.reader.ReadString('\n')
	if err == nil {
		t.Fatalf("Expected connection to close, got %q", line)
	}
}

func (c *TCPClient) Close() error {
	return c.conn.Close()
}

// WSClient talks to the gateway's WebSocket endpoint.
type WSClient struct {
	conn *websocket.Conn
}

// DialWS opens a WebSocket with TestOrigin and sends name as the handshake.
func DialWS(t *testing.T, url, name string) *WSClient {
	t.Helper()
	conn, err := ConnectWebSocket(url, TestOrigin)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	c := &WSClient{conn: conn}
	t.Cleanup(func() { _ = c.Close() })
	c.Send(t, name)
	return c
}

// ConnectWebSocket dials url with the given Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *WSClient) Send(t *testing.T, line string) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		t.Fatalf("Failed to send %q: %v", line, err)
	}
}

func (c *WSClient) ReadLine(t *testing.T) string {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return StripStamp(string(data))
}

// ExpectNoLine waits d for a message. gorilla/websocket fails every read
// after a timeout, so this must be the last read on c.
func (c *WSClient) ExpectNoLine(t *testing.T, d time.Duration) {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, got %q", data)
	}
}

// Close sends a normal close frame and closes the socket.
func (c *WSClient) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// StripStamp removes the leading "[timestamp] " and trailing line ending.
func StripStamp(line string) string {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "[") {
		if i := strings.Index(line, "] "); i >= 0 {
			return line[i+2:]
		}
	}
	return line
}

// ExpectLine fails unless c's next line equals want.
func ExpectLine(t *testing.T, c Client, want string) {
	t.Helper()
	if got := c.ReadLine(t); got != want {
		t.Fatalf("Expected %q, got %q", want, got)
	}
}
