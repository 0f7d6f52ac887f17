package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/reactor"
)

func TestAllocateFillsLowestSlot(t *testing.T) {
	m := NewManager(3, 32)

	a, err := m.Allocate(1, nil, "alice")
	require.NoError(t, err)
	b, err := m.Allocate(2, nil, "bob")
	require.NoError(t, err)

	assert.Equal(t, 0, a.Slot)
	assert.Equal(t, 1, b.Slot)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)

	require.Same(t, a, m.Free(0))
	c, err := m.Allocate(3, nil, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Slot, "freed slot is reused")
	assert.Equal(t, 1, b.Slot, "other slots never move")
}

func TestAllocateCapacity(t *testing.T) {
	m := NewManager(10, 32)
	for i := 0; i < 10; i++ {
		_, err := m.Allocate(reactor.Handle(i+1), nil, fmt.Sprintf("user%d", i))
		require.NoError(t, err)
	}
	assert.True(t, m.Full())

	_, err := m.Allocate(11, nil, "late")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 10, m.Len())
}

func TestAllocateRejectsDuplicateNamesIgnoringCase(t *testing.T) {
	m := NewManager(4, 32)
	_, err := m.Allocate(1, nil, "Alice")
	require.NoError(t, err)

	_, err = m.Allocate(2, nil, "aLiCe\n")
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.Equal(t, 1, m.Len())

	_, err = m.Allocate(3, nil, " \r\n")
	assert.ErrorIs(t, err, ErrBlankName)
}

func TestLiveNamesPairwiseDistinct(t *testing.T) {
	m := NewManager(10, 32)
	names := []string{"a", "A", "b", "B", "c", "dave", "DAVE", "eve"}
	for i, n := range names {
		_, _ = m.Allocate(reactor.Handle(i+1), nil, n)
	}

	live := m.Live()
	seen := map[string]bool{}
	for _, s := range live {
		key := strings.ToLower(s.Name)
		assert.False(t, seen[key], "duplicate name %q", s.Name)
		seen[key] = true
	}
	assert.Len(t, live, 5)
}

func TestFindByHandleAndName(t *testing.T) {
	m := NewManager(4, 32)
	a, _ := m.Allocate(7, nil, "alice")

	assert.Same(t, a, m.FindByHandle(7))
	assert.Nil(t, m.FindByHandle(8))
	assert.Same(t, a, m.FindByName("ALICE"))
	assert.Nil(t, m.FindByName("bob"))
	assert.Same(t, a, m.Get(0))
	assert.Nil(t, m.Get(99))
}

func TestRename(t *testing.T) {
	m := NewManager(4, 32)
	a, _ := m.Allocate(1, nil, "alice")
	_, _ = m.Allocate(2, nil, "bob")

	_, err := m.Rename(a, "BOB")
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.Equal(t, "alice", a.Name)

	_, err = m.Rename(a, "   ")
	assert.ErrorIs(t, err, ErrBlankName)

	old, err := m.Rename(a, "Alice")
	require.NoError(t, err, "changing the case of your own name is allowed")
	assert.Equal(t, "alice", old)
	assert.Equal(t, "Alice", a.Name)
}

func TestSanitizeNameTruncates(t *testing.T) {
	m := NewManager(1, 8)
	assert.Equal(t, "abcdefg", m.SanitizeName("abcdefghijk\n"))
	// "ééé" is 6 bytes; "éééé" would be 8, so only three fit in 7.
	assert.Equal(t, "ééé", m.SanitizeName("éééé"))
}

func TestSanitizeNameBlanksControlCharacters(t *testing.T) {
	m := NewManager(1, 32)
	assert.Equal(t, "bo b", m.SanitizeName("bo\nb\r"))
	assert.Equal(t, "x y z", m.SanitizeName("\tx\x00y\x1bz"))
	assert.Equal(t, "", m.SanitizeName("\r\n\x07"))
}

func TestStripControl(t *testing.T) {
	assert.Equal(t, "plain text", StripControl("plain text"))
	assert.Equal(t, "a b c d", StripControl("a\nb\rc\u0085d"))
	assert.Equal(t, "héllo", StripControl("héllo"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "a", Truncate("aé", 2))
}

func TestFreeUnknownSlot(t *testing.T) {
	m := NewManager(2, 32)
	assert.Nil(t, m.Free(0))
	assert.Nil(t, m.Free(-1))
	assert.Equal(t, 0, m.Len())
}
