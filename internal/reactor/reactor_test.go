package reactor

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/transport"
)

type chanListener struct {
	conns chan transport.Conn
	errs  chan error
	done  chan struct{}
}

func newChanListener() *chanListener {
	return &chanListener{
		conns: make(chan transport.Conn, 8),
		errs:  make(chan error, 8),
		done:  make(chan struct{}),
	}
}

func (l *chanListener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-l.done:
		return nil, transport.ErrListenerClosed
	}
}

func (l *chanListener) Close() error {
	close(l.done)
	return nil
}

func (l *chanListener) Addr() string { return "chan" }

func pipe() (transport.Conn, net.Conn) {
	server, client := net.Pipe()
	return transport.NewStreamConn(server, transport.TCPOptions{Framing: transport.FramingLine, MaxMessage: 511}), client
}

func firstLine(c transport.Conn) (string, error) {
	msg, err := c.ReadMessage()
	return strings.TrimSpace(string(msg)), err
}

func newTestReactor(t *testing.T) (*Reactor, *chanListener) {
	t.Helper()
	ln := newChanListener()
	r := New(ln, Options{Handshake: firstLine, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = r.Close() })
	return r, ln
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAcceptRunsHandshake(t *testing.T) {
	r, ln := newTestReactor(t)

	conn, peer := pipe()
	defer peer.Close()
	ln.conns <- conn
	go func() { _, _ = peer.Write([]byte("alice\n")) }()

	events, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, EventAccept, ev.Kind)
	assert.Equal(t, ListenerHandle, ev.Handle)
	assert.Equal(t, "alice", ev.Name)
	assert.NoError(t, ev.Err)
	assert.Equal(t, 1, r.Len(), "accepted connections are not registered until the caller admits them")
}

func TestAcceptErrorIsReported(t *testing.T) {
	r, ln := newTestReactor(t)
	ln.errs <- errors.New("too many open files")

	events, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventAcceptError, events[0].Kind)
}

type failingListener struct {
	calls atomic.Int32
	done  chan struct{}
}

func (l *failingListener) Accept() (transport.Conn, error) {
	select {
	case <-l.done:
		return nil, transport.ErrListenerClosed
	default:
	}
	l.calls.Add(1)
	return nil, errors.New("accept: too many open files")
}

func (l *failingListener) Close() error {
	close(l.done)
	return nil
}

func (l *failingListener) Addr() string { return "failing" }

func TestAcceptErrorsBackOff(t *testing.T) {
	ln := &failingListener{done: make(chan struct{})}
	r := New(ln, Options{Logger: zerolog.Nop()})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	reported := 0
	for {
		events, err := r.Wait(ctx)
		if err != nil {
			require.ErrorIs(t, err, context.DeadlineExceeded)
			break
		}
		for _, ev := range events {
			assert.Equal(t, EventAcceptError, ev.Kind)
			reported++
		}
	}

	// 5, 10, 20, 40 and 80ms apart: a handful of attempts, not a spin.
	assert.Positive(t, reported)
	assert.LessOrEqual(t, ln.calls.Load(), int32(8))
}

func TestNextAcceptDelay(t *testing.T) {
	var got []time.Duration
	var d time.Duration
	for i := 0; i < 10; i++ {
		d = nextAcceptDelay(d)
		got = append(got, d)
	}
	assert.Equal(t, minAcceptDelay, got[0])
	assert.Equal(t, 10*time.Millisecond, got[1])
	assert.Equal(t, maxAcceptDelay, got[9])
}

func TestRegisterDeliversMessagesInOrder(t *testing.T) {
	r, _ := newTestReactor(t)

	conn, peer := pipe()
	defer peer.Close()
	h := r.Register(conn)
	assert.Equal(t, 2, r.Len())

	go func() { _, _ = peer.Write([]byte("one\ntwo\n")) }()

	var got []string
	for len(got) < 2 {
		events, err := r.Wait(waitCtx(t))
		require.NoError(t, err)
		require.Len(t, events, 1, "one event per handle per wait")
		assert.Equal(t, h, events[0].Handle)
		assert.Equal(t, EventMessage, events[0].Kind)
		got = append(got, string(events[0].Payload))
	}
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestHangupOnPeerClose(t *testing.T) {
	r, _ := newTestReactor(t)

	conn, peer := pipe()
	h := r.Register(conn)
	require.NoError(t, peer.Close())

	events, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventHangup, events[0].Kind)
	assert.Equal(t, h, events[0].Handle)
	assert.Error(t, events[0].Err)
}

func TestDeregisterCompactsPreservingOrder(t *testing.T) {
	r, _ := newTestReactor(t)

	var handles []Handle
	var peers []net.Conn
	for i := 0; i < 4; i++ {
		conn, peer := pipe()
		peers = append(peers, peer)
		handles = append(handles, r.Register(conn))
	}
	defer func() {
		for _, p := range peers {
			_ = p.Close()
		}
	}()
	require.Equal(t, 5, r.Len())

	assert.True(t, r.Deregister(handles[1]))
	assert.False(t, r.Deregister(handles[1]), "second deregister is a no-op")
	assert.False(t, r.Deregister(ListenerHandle))

	assert.Equal(t, []Handle{ListenerHandle, handles[0], handles[2], handles[3]}, r.Handles())

	// The deregistered peer sees its connection closed.
	_ = peers[1].SetReadDeadline(time.Now().Add(time.Second))
	_, err := peers[1].Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestWaitOrdersByPosition(t *testing.T) {
	r, _ := newTestReactor(t)

	c1, p1 := pipe()
	c2, p2 := pipe()
	defer p1.Close()
	defer p2.Close()
	h1 := r.Register(c1)
	h2 := r.Register(c2)

	// Write to the later entry first, then give both readers time to park.
	go func() { _, _ = p2.Write([]byte("second\n")) }()
	time.Sleep(20 * time.Millisecond)
	go func() { _, _ = p1.Write([]byte("first\n")) }()
	time.Sleep(20 * time.Millisecond)

	var batch []Event
	for len(batch) < 2 {
		events, err := r.Wait(waitCtx(t))
		require.NoError(t, err)
		batch = append(batch, events...)
		if len(events) == 2 {
			assert.Equal(t, h1, events[0].Handle)
			assert.Equal(t, h2, events[1].Handle)
		}
	}
	assert.Len(t, batch, 2)
}

func TestWaitHonoursContext(t *testing.T) {
	r, _ := newTestReactor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseStopsEverything(t *testing.T) {
	ln := newChanListener()
	r := New(ln, Options{Handshake: firstLine, Logger: zerolog.Nop()})

	conn, peer := pipe()
	defer peer.Close()
	r.Register(conn)

	// A connection stuck in its handshake must not hold Close up.
	hsConn, hsPeer := pipe()
	defer hsPeer.Close()
	ln.conns <- hsConn
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, 1, r.Len())
	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
