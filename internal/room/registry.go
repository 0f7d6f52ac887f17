// Package room keeps the fixed set of chat rooms and their occupancy.
//
// Rooms live in a pre-sized table. A room whose count drops to zero is
// deactivated in the same call and its slot becomes available to Create; the
// default room, created at slot 0, is never deactivated.
package room

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/session"
)

var (
	// ErrBlankName is returned for empty room names.
	ErrBlankName = errors.New("room: blank name")
	// ErrExists is returned by Create when an active room has the name.
	ErrExists = errors.New("room: already exists")
	// ErrFull is returned by Create when every slot is active.
	ErrFull = errors.New("room: maximum number of rooms reached")
	// ErrNotFound is returned by Join for unknown rooms.
	ErrNotFound = errors.New("room: not found")
	// ErrAlreadyMember is returned by Join when the session is already there.
	ErrAlreadyMember = errors.New("room: already a member")
	// ErrNotInRoom is returned by Leave for sessions without a room.
	ErrNotInRoom = errors.New("room: not in any room")
)

// Notifier receives system notices about membership changes.
type Notifier interface {
	SendSystem(text string) int
}

// Room is one slot of the registry.
type Room struct {
	Name    string
	Members int
	Active  bool
	Default bool
	Slot    int
}

// Registry owns the room table. It is not safe for concurrent use.
type Registry struct {
	rooms    []Room
	nameSize int
	notify   Notifier
	log      zerolog.Logger
}

// NewRegistry creates a registry with capacity slots and activates the
// default room in slot 0.
func NewRegistry(capacity, nameSize int, defaultRoom string, notify Notifier, log zerolog.Logger) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Registry{
		rooms:    make([]Room, capacity),
		nameSize: nameSize,
		notify:   notify,
		log:      log,
	}
	for i := range r.rooms {
		r.rooms[i].Slot = i
	}

	name := r.SanitizeName(defaultRoom)
	if name == "" {
		name = "Lobby"
	}
	r.rooms[0] = Room{Name: name, Active: true, Default: true, Slot: 0}
	return r
}

// SanitizeName blanks control characters, trims whitespace and caps the name
// at nameSize-1 bytes.
func (r *Registry) SanitizeName(name string) string {
	return session.Truncate(strings.TrimFunc(session.StripControl(name), unicode.IsSpace), r.nameSize-1)
}

// Capacity returns the number of room slots.
func (r *Registry) Capacity() int {
	return len(r.rooms)
}

// Default returns the default room.
func (r *Registry) Default() *Room {
	return &r.rooms[0]
}

// Find returns the active room called name, ignoring case.
func (r *Registry) Find(name string) *Room {
	for i := range r.rooms {
		if r.rooms[i].Active && strings.EqualFold(r.rooms[i].Name, name) {
			return &r.rooms[i]
		}
	}
	return nil
}

// List returns the active rooms in slot order.
func (r *Registry) List() []*Room {
	out := make([]*Room, 0, len(r.rooms))
	for i := range r.rooms {
		if r.rooms[i].Active {
			out = append(out, &r.rooms[i])
		}
	}
	return out
}

// Create activates the first free slot under name and announces it. The
// caller decides whether the creator joins.
func (r *Registry) Create(name string) (*Room, error) {
	name = r.SanitizeName(name)
	if name == "" {
		return nil, ErrBlankName
	}
	if r.Find(name) != nil {
		return nil, ErrExists
	}

	for i := range r.rooms {
		if r.rooms[i].Active {
			continue
		}
		r.rooms[i] = Room{Name: name, Active: true, Slot: i}
		r.log.Info().Str("room", name).Int("slot", i).Msg("room created")
		r.notify.SendSystem("New room created: " + name)
		return &r.rooms[i], nil
	}
	return nil, ErrFull
}

// EnterDefault places a newly admitted session in the default room without
// a notice.
func (r *Registry) EnterDefault(s *session.Session) *Room {
	def := r.Default()
	def.Members++
	s.Room = def.Name
	r.log.Debug().Str("room", def.Name).Str("user", s.Name).Int("members", def.Members).Msg("member added")
	return def
}

// Join moves s into the room called name. Everything is validated before any
// count changes; the previous room is then left completely, including its
// possible closure and notice, before s is counted in the new room.
func (r *Registry) Join(s *session.Session, name string) (*Room, error) {
	name = r.SanitizeName(name)
	if name == "" {
		return nil, ErrBlankName
	}
	target := r.Find(name)
	if target == nil {
		return nil, ErrNotFound
	}
	if s.Room == target.Name {
		return target, ErrAlreadyMember
	}

	if s.InRoom() {
		if _, err := r.Leave(s, true); err != nil {
			return nil, fmt.Errorf("leave %s: %w", s.Room, err)
		}
	}

	target.Members++
	s.Room = target.Name
	r.log.Info().Str("room", target.Name).Str("user", s.Name).Int("members", target.Members).Msg("member added")
	r.notify.SendSystem(fmt.Sprintf("%s joined room: %s", s.Name, target.Name))
	return target, nil
}

// Leave removes s from its room. With announce set a "left room" notice goes
// out first. A non-default room that empties is closed and announced in the
// same call. The returned room is the one left.
func (r *Registry) Leave(s *session.Session, announce bool) (*Room, error) {
	if !s.InRoom() {
		return nil, ErrNotInRoom
	}

	var current *Room
	for i := range r.rooms {
		if r.rooms[i].Active && r.rooms[i].Name == s.Room {
			current = &r.rooms[i]
			break
		}
	}
	if current == nil {
		// Unreachable while the membership invariant holds.
		r.log.Error().Str("room", s.Room).Str("user", s.Name).Msg("session references inactive room")
		s.Room = ""
		return nil, ErrNotFound
	}

	if current.Members > 0 {
		current.Members--
	}
	s.Room = ""
	r.log.Info().Str("room", current.Name).Str("user", s.Name).Int("members", current.Members).Msg("member removed")

	if announce {
		r.notify.SendSystem(fmt.Sprintf("%s left room: %s", s.Name, current.Name))
	}

	if current.Members == 0 && !current.Default {
		current.Active = false
		r.log.Info().Str("room", current.Name).Int("slot", current.Slot).Msg("room closed")
		r.notify.SendSystem(fmt.Sprintf("Room %s has been closed (no active users)", current.Name))
	}
	return current, nil
}
