package chat

import "time"

// Stats is a point-in-time view of the server published by the event loop
// for readers on other goroutines. A published Stats is never modified.
// Watched counts reactor entries, the listener included, so while the loop
// runs it is always Sessions+1.
type Stats struct {
	Listen      string      `json:"listen"`
	StartedAt   time.Time   `json:"started_at"`
	Sessions    int         `json:"sessions"`
	Watched     int         `json:"watched"`
	MaxSessions int         `json:"max_sessions"`
	MaxRooms    int         `json:"max_rooms"`
	Accepted    uint64      `json:"accepted"`
	Rejected    uint64      `json:"rejected"`
	Rooms       []RoomStats `json:"rooms"`
	Users       []UserStats `json:"users"`
}

// RoomStats describes one active room.
type RoomStats struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
	Default bool   `json:"default,omitempty"`
}

// UserStats describes one connected session.
type UserStats struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slot        int       `json:"slot"`
	Room        string    `json:"room,omitempty"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (s *Server) publish() {
	st := &Stats{
		Listen:      s.listener.Addr(),
		StartedAt:   s.startedAt,
		Sessions:    s.sessions.Len(),
		MaxSessions: s.sessions.Capacity(),
		MaxRooms:    s.rooms.Capacity(),
		Accepted:    s.accepted,
		Rejected:    s.rejected,
	}
	if s.reactor != nil {
		st.Watched = s.reactor.Len()
	}
	for _, rm := range s.rooms.List() {
		st.Rooms = append(st.Rooms, RoomStats{Name: rm.Name, Members: rm.Members, Default: rm.Default})
	}
	for _, sess := range s.sessions.Live() {
		st.Users = append(st.Users, UserStats{
			ID:          sess.ID,
			Name:        sess.Name,
			Slot:        sess.Slot,
			Room:        sess.Room,
			Addr:        sess.Addr,
			ConnectedAt: sess.ConnectedAt,
		})
	}
	s.stats.Store(st)
}

// Stats returns the most recently published snapshot.
func (s *Server) Stats() *Stats {
	return s.stats.Load()
}
