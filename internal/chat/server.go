// Package chat runs the roomchat event loop. One goroutine owns every
// session and room and handles the events the reactor collects, so none of
// the tables need locks.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/broadcast"
	"github.com/Tyrowin/roomchat/internal/command"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/reactor"
	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/Tyrowin/roomchat/internal/transport"
)

const (
	replyInvalidName  = "Invalid username"
	replyNameTaken    = "Username already taken"
	replyServerFull   = "Server is full"
	replyRateLimited  = "Rate limit exceeded; message discarded."
	noticeShutdown    = "Server is shutting down"
	guestNamePrefix   = "guest"
	maxGuestNameTries = 1000
)

// ErrAlreadyRunning is returned by Run when the server has been started.
var ErrAlreadyRunning = errors.New("chat: server already running")

// Server wires the reactor, session table, room registry, router and
// command dispatcher together.
type Server struct {
	cfg      *config.Config
	listener transport.Listener
	base     zerolog.Logger
	log      zerolog.Logger
	now      func() time.Time

	reactor    *reactor.Reactor
	sessions   *session.Manager
	rooms      *room.Registry
	router     *broadcast.Router
	dispatcher *command.Dispatcher
	limiters   []*rateLimiter

	running   atomic.Bool
	stats     atomic.Pointer[Stats]
	startedAt time.Time
	accepted  uint64
	rejected  uint64
	guests    int
}

// Option customizes a Server.
type Option func(*Server)

// WithClock replaces the time source used for timestamps and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds a server that will accept sessions from ln once Run is called.
func New(cfg *config.Config, ln transport.Listener, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		listener: ln,
		base:     log,
		log:      logging.Module(log, "chat"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sessions = session.NewManager(cfg.MaxSessions, cfg.NameSize)
	s.router = broadcast.NewRouter(s.sessions, cfg.FrameSize, logging.Module(log, "broadcast"))
	s.router.SetClock(s.now)
	s.rooms = room.NewRegistry(cfg.MaxRooms, cfg.RoomNameSize, cfg.DefaultRoom, s.router, logging.Module(log, "room"))
	s.dispatcher = command.NewDispatcher(&command.Env{
		Sessions: s.sessions,
		Rooms:    s.rooms,
		Router:   s.router,
		NameSize: cfg.NameSize,
	}, logging.Module(log, "command"))
	s.limiters = make([]*rateLimiter, cfg.MaxSessions)
	s.startedAt = s.now()
	s.publish()
	return s
}

// Dispatcher exposes the command registry so callers can add commands.
// Register them before any client connects; afterwards the dispatcher
// belongs to the event loop.
func (s *Server) Dispatcher() *command.Dispatcher {
	return s.dispatcher
}

// Run accepts and serves sessions until ctx is cancelled. On the way out it
// sends a shutdown notice and closes every connection.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.reactor = reactor.New(s.listener, reactor.Options{
		Handshake: s.handshake,
		Logger:    logging.Module(s.base, "reactor"),
	})
	defer s.shutdown()

	s.log.Info().
		Str("listen", s.listener.Addr()).
		Int("max_sessions", s.sessions.Capacity()).
		Int("max_rooms", s.rooms.Capacity()).
		Str("default_room", s.rooms.Default().Name).
		Msg("chat server started")

	for {
		events, err := s.reactor.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, reactor.ErrClosed) {
				return nil
			}
			return fmt.Errorf("wait: %w", err)
		}
		s.process(events)
		s.publish()
	}
}

// handshake runs on the reactor's accept goroutine. It only reads; the name
// is validated on the loop.
func (s *Server) handshake(conn transport.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return "", fmt.Errorf("set handshake deadline: %w", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read name: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("clear handshake deadline: %w", err)
	}
	return strings.TrimSpace(string(msg)), nil
}

// process handles one batch: the accept first, then client events in
// ascending slot order.
func (s *Server) process(events []reactor.Event) {
	type clientEvent struct {
		ev   reactor.Event
		sess *session.Session
	}
	var clients []clientEvent

	for _, ev := range events {
		switch ev.Kind {
		case reactor.EventAccept:
			s.handleAccept(ev)
		case reactor.EventAcceptError:
			s.log.Warn().Err(ev.Err).Msg("accept failed")
		case reactor.EventMessage, reactor.EventHangup:
			sess := s.sessions.FindByHandle(ev.Handle)
			if sess == nil {
				continue
			}
			clients = append(clients, clientEvent{ev: ev, sess: sess})
		}
	}

	sort.SliceStable(clients, func(i, j int) bool {
		return clients[i].sess.Slot < clients[j].sess.Slot
	})

	for _, c := range clients {
		// An earlier event in the batch may have torn this session down.
		if s.sessions.Get(c.sess.Slot) != c.sess {
			continue
		}
		switch c.ev.Kind {
		case reactor.EventMessage:
			s.handleMessage(c.sess, c.ev.Payload)
		case reactor.EventHangup:
			s.disconnect(c.sess, c.ev.Err)
		}
	}
}

func (s *Server) handleAccept(ev reactor.Event) {
	conn := ev.Conn
	if ev.Err != nil {
		s.log.Debug().Err(ev.Err).Str("addr", conn.RemoteAddr()).Msg("handshake failed")
		s.rejected++
		_ = conn.Close()
		return
	}

	name := s.sessions.SanitizeName(ev.Name)
	if name == "" {
		if !s.cfg.AnonymousFallback {
			s.reject(conn, ev.Name, replyInvalidName)
			return
		}
		name = s.guestName()
	}
	if s.sessions.FindByName(name) != nil {
		s.reject(conn, name, replyNameTaken)
		return
	}
	if s.sessions.Full() {
		s.reject(conn, name, replyServerFull)
		return
	}

	h := s.reactor.Register(conn)
	sess, err := s.sessions.Allocate(h, conn, name)
	if err != nil {
		s.log.Error().Err(err).Str("user", name).Msg("allocate session")
		s.reactor.Deregister(h)
		s.rejected++
		return
	}
	s.accepted++
	s.limiters[sess.Slot] = newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval, s.now)

	def := s.rooms.EnterDefault(sess)
	s.log.Info().
		Str("user", sess.Name).
		Str("id", sess.ID).
		Str("addr", sess.Addr).
		Int("slot", sess.Slot).
		Msgf("Client registered from %s. Total clients: %d", sess.Addr, s.sessions.Len())

	s.router.SendDirect(sess, fmt.Sprintf("Welcome %s! You are now in the %s", sess.Name, def.Name))
	s.router.SendSystem(fmt.Sprintf("%s has joined the %s", sess.Name, def.Name))
}

// reject tells a connection that was never admitted why and closes it.
// Nothing is broadcast.
func (s *Server) reject(conn transport.Conn, name, reason string) {
	s.rejected++
	s.log.Info().Str("user", name).Str("addr", conn.RemoteAddr()).Str("reason", reason).Msg("connection rejected")
	s.router.SendDirect(&session.Session{Name: name, Conn: conn, Slot: -1}, reason)
	if err := conn.Close(); err != nil && !transport.IsExpectedClose(err) {
		s.log.Warn().Err(err).Str("addr", conn.RemoteAddr()).Msg("error closing rejected connection")
	}
}

func (s *Server) guestName() string {
	for i := 0; i < maxGuestNameTries; i++ {
		s.guests++
		name := fmt.Sprintf("%s%d", guestNamePrefix, s.guests)
		if s.sessions.FindByName(name) == nil {
			return name
		}
	}
	return ""
}

func (s *Server) handleMessage(sess *session.Session, payload []byte) {
	if rl := s.limiters[sess.Slot]; rl != nil && !rl.allow() {
		s.log.Warn().
			Str("user", sess.Name).
			Msgf("Rate limit exceeded for %s (%d messages per %s); discarding message",
				sess.Addr, s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)
		s.router.SendDirect(sess, replyRateLimited)
		return
	}
	s.log.Debug().Str("user", sess.Name).Int("bytes", len(payload)).Msg("message received")
	s.dispatcher.Dispatch(sess, string(payload))
}

// disconnect tears one session down: the reactor entry and the slot, then
// the departure notice, then the room membership (closing the room if it
// empties).
func (s *Server) disconnect(sess *session.Session, cause error) {
	s.logDisconnect(sess, cause)

	s.reactor.Deregister(sess.Handle)
	s.sessions.Free(sess.Slot)
	s.limiters[sess.Slot] = nil
	s.log.Info().Msgf("Client unregistered from %s. Total clients: %d", sess.Addr, s.sessions.Len())
	s.router.SendSystem(fmt.Sprintf("%s has left the chat", sess.Name))

	if _, err := s.rooms.Leave(sess, false); err != nil && !errors.Is(err, room.ErrNotInRoom) {
		s.log.Warn().Err(err).Str("user", sess.Name).Msg("leave on disconnect")
	}
}

func (s *Server) logDisconnect(sess *session.Session, err error) {
	ev := s.log.Info()
	switch {
	case err == nil, transport.IsExpectedClose(err):
		ev = ev.Str("reason", "closed")
	case transport.IsTimeout(err):
		ev = ev.Str("reason", "timeout")
	default:
		ev = s.log.Warn().Err(err).Str("reason", "read error")
	}
	ev.Str("user", sess.Name).Str("id", sess.ID).Msgf("Client %s disconnected", sess.Addr)
}

func (s *Server) shutdown() {
	live := s.sessions.Len()
	if live > 0 {
		s.router.SendSystem(noticeShutdown)
	}
	if err := s.reactor.Close(); err != nil && !transport.IsExpectedClose(err) {
		s.log.Warn().Err(err).Msg("error closing listener")
	}

	// Sessions are freed before leaving so closure notices reach nobody.
	departed := s.sessions.Live()
	for _, sess := range departed {
		s.sessions.Free(sess.Slot)
	}
	for _, sess := range departed {
		_, _ = s.rooms.Leave(sess, false)
	}
	for i := range s.limiters {
		s.limiters[i] = nil
	}
	s.publish()
	s.log.Info().Msgf("Closed %d client connections", live)
}
