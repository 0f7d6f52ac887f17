// Package session implements the fixed-capacity session table. Slots are
// stable for the lifetime of a session and are the only identifier other
// components keep.
package session

import (
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/reactor"
	"github.com/Tyrowin/roomchat/internal/transport"
)

var (
	// ErrCapacityExceeded is returned when every slot is taken.
	ErrCapacityExceeded = errors.New("session: capacity exceeded")
	// ErrNameTaken is returned when another live session uses the name.
	ErrNameTaken = errors.New("session: name already taken")
	// ErrBlankName is returned for names that are empty after sanitizing.
	ErrBlankName = errors.New("session: blank name")
)

// Session is the server-side state of one admitted client.
type Session struct {
	ID          string
	Handle      reactor.Handle
	Conn        transport.Conn
	Name        string
	Slot        int
	Room        string
	Addr        string
	ConnectedAt time.Time
}

// InRoom reports whether the session currently occupies a room.
func (s *Session) InRoom() bool {
	return s.Room != ""
}

// Manager owns the slot table. It is not safe for concurrent use; the event
// loop is its only caller.
type Manager struct {
	slots    []*Session
	live     int
	nameSize int
	now      func() time.Time
}

// NewManager creates a table with capacity slots. Names are capped at
// nameSize-1 bytes.
func NewManager(capacity, nameSize int) *Manager {
	if capacity <= 0 {
		capacity = 1
	}
	if nameSize < 2 {
		nameSize = 2
	}
	return &Manager{
		slots:    make([]*Session, capacity),
		nameSize: nameSize,
		now:      time.Now,
	}
}

// Capacity returns the number of slots.
func (m *Manager) Capacity() int {
	return len(m.slots)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.live
}

// Full reports whether every slot is occupied.
func (m *Manager) Full() bool {
	return m.live == len(m.slots)
}

// SanitizeName replaces control characters with spaces, strips surrounding
// whitespace and caps the result at the configured size without splitting a
// rune.
func (m *Manager) SanitizeName(name string) string {
	return Truncate(strings.TrimFunc(StripControl(name), unicode.IsSpace), m.nameSize-1)
}

// Allocate admits a session in the lowest free slot. The name is sanitized
// and must be unique among live sessions, ignoring case.
func (m *Manager) Allocate(h reactor.Handle, conn transport.Conn, name string) (*Session, error) {
	name = m.SanitizeName(name)
	if name == "" {
		return nil, ErrBlankName
	}
	if m.FindByName(name) != nil {
		return nil, ErrNameTaken
	}

	for slot, s := range m.slots {
		if s != nil {
			continue
		}
		sess := &Session{
			ID:          uuid.NewString(),
			Handle:      h,
			Conn:        conn,
			Name:        name,
			Slot:        slot,
			ConnectedAt: m.now(),
		}
		if conn != nil {
			sess.Addr = conn.RemoteAddr()
		}
		m.slots[slot] = sess
		m.live++
		return sess, nil
	}
	return nil, ErrCapacityExceeded
}

// Free releases slot and returns the session that held it, or nil.
func (m *Manager) Free(slot int) *Session {
	if slot < 0 || slot >= len(m.slots) || m.slots[slot] == nil {
		return nil
	}
	s := m.slots[slot]
	m.slots[slot] = nil
	m.live--
	return s
}

// Get returns the session in slot, or nil.
func (m *Manager) Get(slot int) *Session {
	if slot < 0 || slot >= len(m.slots) {
		return nil
	}
	return m.slots[slot]
}

// FindByHandle returns the session registered under h, or nil.
func (m *Manager) FindByHandle(h reactor.Handle) *Session {
	for _, s := range m.slots {
		if s != nil && s.Handle == h {
			return s
		}
	}
	return nil
}

// FindByName looks a session up by name, ignoring case.
func (m *Manager) FindByName(name string) *Session {
	for _, s := range m.slots {
		if s != nil && strings.EqualFold(s.Name, name) {
			return s
		}
	}
	return nil
}

// Rename changes s's name after checking it against every other session.
// A session may change the case of its own name.
func (m *Manager) Rename(s *Session, name string) (string, error) {
	name = m.SanitizeName(name)
	if name == "" {
		return "", ErrBlankName
	}
	if other := m.FindByName(name); other != nil && other != s {
		return "", ErrNameTaken
	}
	old := s.Name
	s.Name = name
	return old, nil
}

// Live returns live sessions in ascending slot order.
func (m *Manager) Live() []*Session {
	out := make([]*Session, 0, m.live)
	for _, s := range m.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// StripControl replaces every control character in s, including CR and LF,
// with a space so user text always stays on one output line.
func StripControl(s string) string {
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

// Truncate cuts s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
