package broadcast

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/reactor"
	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/Tyrowin/roomchat/internal/testutil"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type fixture struct {
	sessions *session.Manager
	router   *Router
	conns    map[string]*testutil.RecordingConn
}

func newFixture(t *testing.T, frameSize int, names ...string) *fixture {
	t.Helper()
	f := &fixture{
		sessions: session.NewManager(10, 32),
		conns:    map[string]*testutil.RecordingConn{},
	}
	f.router = NewRouter(f.sessions, frameSize, zerolog.Nop())
	f.router.SetClock(func() time.Time { return fixedNow })

	for i, n := range names {
		c := testutil.NewRecordingConn("pipe")
		_, err := f.sessions.Allocate(reactor.Handle(i+1), c, n)
		require.NoError(t, err)
		f.conns[n] = c
	}
	return f
}

func (f *fixture) session(name string) *session.Session {
	return f.sessions.FindByName(name)
}

func TestSendDirectFormat(t *testing.T) {
	f := newFixture(t, 512, "alice", "bob")

	require.True(t, f.router.SendDirect(f.session("alice"), "User not found."))

	assert.Equal(t, []string{"[2026-03-14 09:26] User not found.\n"}, f.conns["alice"].Writes())
	assert.Empty(t, f.conns["bob"].Writes())
}

func TestSendSystemReachesEveryone(t *testing.T) {
	f := newFixture(t, 512, "alice", "bob", "carol")

	n := f.router.SendSystem("bob has joined the Lobby")
	assert.Equal(t, 3, n)
	for _, c := range f.conns {
		assert.Equal(t, []string{"[2026-03-14 09:26:53] SYSTEM: bob has joined the Lobby\n"}, c.Writes())
	}
}

func TestSendRoomIncludesSender(t *testing.T) {
	f := newFixture(t, 512, "alice", "bob", "carol")
	f.session("alice").Room = "team"
	f.session("bob").Room = "Lobby"
	f.session("carol").Room = "team"

	n := f.router.SendRoom("team", f.session("alice"), "hello")
	assert.Equal(t, 2, n)

	want := []string{"[2026-03-14 09:26] [team] alice: hello\n"}
	assert.Equal(t, want, f.conns["alice"].Writes())
	assert.Equal(t, want, f.conns["carol"].Writes())
	assert.Empty(t, f.conns["bob"].Writes())
}

func TestFramesNeverExceedFrameSize(t *testing.T) {
	const frame = 128
	f := newFixture(t, frame, "alice")
	f.session("alice").Room = "Lobby"

	long := strings.Repeat("x", 1000)
	f.router.SendDirect(f.session("alice"), long)
	f.router.SendSystem(long)
	f.router.SendRoom("Lobby", f.session("alice"), long)

	writes := f.conns["alice"].Writes()
	require.Len(t, writes, 3)
	for _, w := range writes {
		assert.Len(t, w, frame)
		assert.True(t, strings.HasSuffix(w, "x\n"))
	}
}

func TestTruncationIsDeterministicAndRuneSafe(t *testing.T) {
	f := newFixture(t, 128, "alice")
	text := strings.Repeat("é", 200)

	f.router.SendDirect(f.session("alice"), text)
	f.router.SendDirect(f.session("alice"), text)

	writes := f.conns["alice"].Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, writes[0], writes[1])
	assert.LessOrEqual(t, len(writes[0]), 128)
	assert.True(t, strings.HasSuffix(writes[0], "é\n"))
}

func TestTrailingNewlinesAreNotDoubled(t *testing.T) {
	f := newFixture(t, 512, "alice")
	f.router.SendDirect(f.session("alice"), "Connected users:\n- alice\n")

	assert.Equal(t, []string{"[2026-03-14 09:26] Connected users:\n- alice\n"}, f.conns["alice"].Writes())
}

func TestFailedWriteIsNotCounted(t *testing.T) {
	f := newFixture(t, 512, "alice", "bob")
	f.conns["bob"].FailWrites = true

	assert.Equal(t, 1, f.router.SendSystem("hi"))
	assert.False(t, f.router.SendDirect(f.session("bob"), "hi"))
}
