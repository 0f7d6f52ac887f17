// Package broadcast formats outbound lines and delivers them to one session,
// to the members of a room, or to every connected session.
package broadcast

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/Tyrowin/roomchat/internal/transport"
)

const (
	directLayout = "2006-01-02 15:04"
	systemLayout = "2006-01-02 15:04:05"
)

// Directory lists the sessions a broadcast can reach.
type Directory interface {
	Live() []*session.Session
}

// Router stamps every line with a timestamp and keeps it within frameSize
// bytes, newline included.
type Router struct {
	dir       Directory
	frameSize int
	now       func() time.Time
	log       zerolog.Logger
}

// NewRouter creates a router over dir.
func NewRouter(dir Directory, frameSize int, log zerolog.Logger) *Router {
	return &Router{
		dir:       dir,
		frameSize: frameSize,
		now:       time.Now,
		log:       log,
	}
}

// SetClock replaces the time source.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// FrameSize returns the maximum size of an outbound line.
func (r *Router) FrameSize() int {
	return r.frameSize
}

// SendDirect writes text to s alone.
func (r *Router) SendDirect(s *session.Session, text string) bool {
	header := "[" + r.now().Format(directLayout) + "] "
	return r.write(s, r.frame(header, text))
}

// SendRoom delivers text from sender to every session in room, the sender
// included, and returns the number of successful deliveries.
func (r *Router) SendRoom(room string, sender *session.Session, text string) int {
	header := "[" + r.now().Format(directLayout) + "] [" + room + "] " + sender.Name + ": "
	line := r.frame(header, text)

	delivered := 0
	for _, s := range r.dir.Live() {
		if s.Room != room {
			continue
		}
		if r.write(s, line) {
			delivered++
		}
	}
	r.log.Debug().Str("room", room).Str("from", sender.Name).Int("sent_to", delivered).Msg("room broadcast")
	return delivered
}

// SendSystem delivers a server notice to every connected session.
func (r *Router) SendSystem(text string) int {
	header := "[" + r.now().Format(systemLayout) + "] SYSTEM: "
	line := r.frame(header, text)

	delivered := 0
	for _, s := range r.dir.Live() {
		if r.write(s, line) {
			delivered++
		}
	}
	r.log.Debug().Str("notice", text).Int("sent_to", delivered).Msg("system broadcast")
	return delivered
}

// frame joins header and body and terminates the line. The body is cut to
// whatever the header and newline leave of the frame.
func (r *Router) frame(header, body string) []byte {
	body = strings.TrimRight(body, "\r\n")

	budget := r.frameSize - 1
	if len(header) > budget {
		header = session.Truncate(header, budget)
	}
	body = session.Truncate(body, budget-len(header))

	line := make([]byte, 0, len(header)+len(body)+1)
	line = append(line, header...)
	line = append(line, body...)
	return append(line, '\n')
}

func (r *Router) write(s *session.Session, line []byte) bool {
	if s == nil || s.Conn == nil {
		return false
	}
	if _, err := s.Conn.Write(line); err != nil {
		// The reader side notices the dead peer and tears the session down.
		if transport.IsExpectedClose(err) {
			r.log.Debug().Err(err).Str("user", s.Name).Int("slot", s.Slot).Msg("write to closed connection")
		} else {
			r.log.Warn().Err(err).Str("user", s.Name).Int("slot", s.Slot).Msg("write failed")
		}
		return false
	}
	return true
}
