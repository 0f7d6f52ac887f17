// Package reactor multiplexes one listener and many client connections onto
// a single consumer.
//
// Every registered connection gets a reader goroutine that performs one
// ReadMessage at a time and parks the result until the consumer collects it
// with Wait, so a connection stays ready until its message is drained. The
// listener gets an accept goroutine that runs the handshake for each new
// connection off the consumer's goroutine. Register, Deregister, Len and
// Wait must all be called from the same goroutine.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/transport"
)

// Handle identifies a reactor entry. Handles are never reused.
type Handle uint64

// ListenerHandle is the handle of the bootstrap listening entry.
const ListenerHandle Handle = 0

// EventKind classifies a readiness event.
type EventKind int

const (
	// EventAccept carries a connection whose handshake has finished.
	EventAccept EventKind = iota
	// EventAcceptError reports a failed accept; it is transient. The accept
	// goroutine backs off before retrying.
	EventAcceptError
	// EventMessage carries one inbound message.
	EventMessage
	// EventHangup reports a read error or EOF on a registered connection.
	EventHangup
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventAcceptError:
		return "accept-error"
	case EventMessage:
		return "message"
	case EventHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// Event is one ready entry.
type Event struct {
	Kind    EventKind
	Handle  Handle
	Conn    transport.Conn
	Name    string
	Payload []byte
	Err     error
}

// HandshakeFunc reads the display name from a freshly accepted connection.
type HandshakeFunc func(conn transport.Conn) (string, error)

// Options configures a Reactor.
type Options struct {
	Handshake HandshakeFunc
	Logger    zerolog.Logger
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("reactor: closed")

type entry struct {
	handle Handle
	conn   transport.Conn
	quit   chan struct{}
}

// Reactor owns the wait array. Position 0 is always the listener.
type Reactor struct {
	listener  transport.Listener
	handshake HandshakeFunc
	log       zerolog.Logger

	entries []entry
	next    Handle
	pending []Event

	hsMu        sync.Mutex
	handshaking map[transport.Conn]struct{}

	ready     chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a reactor around ln and starts accepting.
func New(ln transport.Listener, opts Options) *Reactor {
	handshake := opts.Handshake
	if handshake == nil {
		handshake = func(transport.Conn) (string, error) { return "", nil }
	}

	r := &Reactor{
		listener:    ln,
		handshake:   handshake,
		log:         opts.Logger,
		entries:     []entry{{handle: ListenerHandle}},
		next:        ListenerHandle + 1,
		handshaking: make(map[transport.Conn]struct{}),
		ready:       make(chan Event),
		done:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.acceptLoop()
	return r
}

// Len returns the number of entries including the listener.
func (r *Reactor) Len() int {
	return len(r.entries)
}

// Handles returns the entry handles in wait-array order.
func (r *Reactor) Handles() []Handle {
	out := make([]Handle, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.handle
	}
	return out
}

// Register appends conn to the wait array and starts reading from it.
func (r *Reactor) Register(conn transport.Conn) Handle {
	h := r.next
	r.next++

	e := entry{handle: h, conn: conn, quit: make(chan struct{})}
	r.entries = append(r.entries, e)

	r.wg.Add(1)
	go r.readLoop(e)

	r.log.Debug().Uint64("handle", uint64(h)).Int("entries", len(r.entries)).Msg("registered")
	return h
}

// Deregister removes h, closes its connection, and shifts the remaining
// entries down so the array has no gaps. It reports whether h was present.
func (r *Reactor) Deregister(h Handle) bool {
	if h == ListenerHandle {
		return false
	}
	pos := r.position(h)
	if pos < 0 {
		return false
	}

	e := r.entries[pos]
	copy(r.entries[pos:], r.entries[pos+1:])
	r.entries[len(r.entries)-1] = entry{}
	r.entries = r.entries[:len(r.entries)-1]

	close(e.quit)
	if err := e.conn.Close(); err != nil && !transport.IsExpectedClose(err) {
		r.log.Warn().Err(err).Uint64("handle", uint64(h)).Msg("error closing connection")
	}

	// Drop anything already collected for this handle.
	kept := r.pending[:0]
	for _, ev := range r.pending {
		if ev.Handle != h {
			kept = append(kept, ev)
		}
	}
	r.pending = kept

	r.log.Debug().Uint64("handle", uint64(h)).Int("entries", len(r.entries)).Msg("deregistered")
	return true
}

func (r *Reactor) position(h Handle) int {
	for i, e := range r.entries {
		if e.handle == h {
			return i
		}
	}
	return -1
}

// Wait blocks until at least one entry is ready and returns every ready
// entry, at most one event per handle, ordered by wait-array position.
// Events for handles deregistered in the meantime are discarded.
func (r *Reactor) Wait(ctx context.Context) ([]Event, error) {
	batch := make([]Event, 0, len(r.entries))
	seen := make(map[Handle]bool, len(r.entries))

	var carry []Event
	for _, ev := range r.pending {
		if seen[ev.Handle] {
			carry = append(carry, ev)
			continue
		}
		seen[ev.Handle] = true
		batch = append(batch, ev)
	}
	r.pending = carry

	add := func(ev Event) {
		if !r.live(ev.Handle) {
			return
		}
		if seen[ev.Handle] {
			r.pending = append(r.pending, ev)
			return
		}
		seen[ev.Handle] = true
		batch = append(batch, ev)
	}

	for len(batch) == 0 {
		select {
		case ev := <-r.ready:
			add(ev)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, ErrClosed
		}
	}

drain:
	for {
		select {
		case ev := <-r.ready:
			add(ev)
		default:
			break drain
		}
	}

	r.sortByPosition(batch)
	return batch, nil
}

func (r *Reactor) live(h Handle) bool {
	return h == ListenerHandle || r.position(h) >= 0
}

func (r *Reactor) sortByPosition(batch []Event) {
	pos := make(map[Handle]int, len(r.entries))
	for i, e := range r.entries {
		pos[e.handle] = i
	}
	// Insertion sort keeps accept events in arrival order.
	for i := 1; i < len(batch); i++ {
		for j := i; j > 0 && pos[batch[j].Handle] < pos[batch[j-1].Handle]; j-- {
			batch[j], batch[j-1] = batch[j-1], batch[j]
		}
	}
}

// Close stops the listener, closes every registered connection, and waits
// for all reader goroutines to exit.
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.listener.Close()
		for _, e := range r.entries[1:] {
			close(e.quit)
			_ = e.conn.Close()
		}
		r.entries = r.entries[:1]
		r.pending = nil

		r.hsMu.Lock()
		for conn := range r.handshaking {
			_ = conn.Close()
		}
		r.hsMu.Unlock()

		r.wg.Wait()
	})
	return err
}

func (r *Reactor) post(ev Event, quit <-chan struct{}) bool {
	select {
	case r.ready <- ev:
		return true
	case <-quit:
		return false
	case <-r.done:
		return false
	}
}

func (r *Reactor) acceptLoop() {
	defer r.wg.Done()

	var delay time.Duration
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			if !r.post(Event{Kind: EventAcceptError, Handle: ListenerHandle, Err: err}, nil) {
				return
			}
			delay = nextAcceptDelay(delay)
			if !r.sleep(delay) {
				return
			}
			continue
		}
		delay = 0

		r.wg.Add(1)
		go r.handshakeConn(conn)
	}
}

// nextAcceptDelay backs off failing accepts the way net/http.Server.Serve
// does: 5ms doubling up to one second.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	d *= 2
	if d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}

// sleep waits for d and reports false if the reactor closed first.
func (r *Reactor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reactor) handshakeConn(conn transport.Conn) {
	defer r.wg.Done()

	r.hsMu.Lock()
	r.handshaking[conn] = struct{}{}
	r.hsMu.Unlock()

	name, err := r.handshake(conn)

	r.hsMu.Lock()
	delete(r.handshaking, conn)
	r.hsMu.Unlock()

	if !r.post(Event{Kind: EventAccept, Handle: ListenerHandle, Conn: conn, Name: name, Err: err}, nil) {
		_ = conn.Close()
	}
}

func (r *Reactor) readLoop(e entry) {
	defer r.wg.Done()

	for {
		msg, err := e.conn.ReadMessage()
		if err != nil {
			r.post(Event{Kind: EventHangup, Handle: e.handle, Err: err}, e.quit)
			return
		}
		if !r.post(Event{Kind: EventMessage, Handle: e.handle, Payload: msg}, e.quit) {
			return
		}
	}
}
