package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	m := NewManager()

	r, err := m.Create("lobby", "alice", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "alice", r.Creator)
	assert.True(t, r.Members["alice"])
	assert.True(t, r.Admins["alice"])
	assert.Equal(t, DefaultMaxMembers, r.MaxMembers)
	assert.False(t, r.External)

	_, err = m.Create("lobby", "bob", false, 0)
	assert.ErrorIs(t, err, ErrRoomExists)
	_, err = m.Create("", "alice", false, 0)
	assert.Error(t, err)
}

func TestJoinLeave(t *testing.T) {
	m := NewManager()
	_, err := m.Create("lobby", "alice", false, 2)
	require.NoError(t, err)

	require.NoError(t, m.Join("lobby", "bob"))
	r, err := m.Room("lobby")
	require.NoError(t, err)
	assert.True(t, r.Members["bob"])
	assert.False(t, r.Admins["bob"])

	assert.ErrorIs(t, m.Join("lobby", "carol"), ErrRoomFull)
	assert.ErrorIs(t, m.Join("nowhere", "bob"), ErrRoomNotFound)

	require.NoError(t, m.Leave("lobby", "bob"))
	assert.False(t, r.Members["bob"])
	require.NoError(t, m.Join("lobby", "carol"))
}

func TestDelete(t *testing.T) {
	m := NewManager()
	_, err := m.Create("lobby", "alice", false, 0)
	require.NoError(t, err)
	m.Record("lobby", "alice", "hello")

	assert.ErrorIs(t, m.Delete("lobby", "bob"), ErrNotCreator)
	require.NoError(t, m.Delete("lobby", "alice"))
	assert.ErrorIs(t, m.Delete("lobby", "alice"), ErrRoomNotFound)
	assert.Empty(t, m.History("lobby"))
}

func TestExternalRooms(t *testing.T) {
	m := NewManager()

	r := m.External("#random")
	assert.True(t, r.External)
	assert.Empty(t, r.Creator)

	// Get-or-create: the same address returns the same room.
	again := m.External("#random")
	assert.Same(t, r, again)

	// Recording tracks external senders as members.
	m.Record("#random", "stranger", "hi all")
	assert.True(t, r.Members["stranger"])

	// Anyone may drop an external room.
	require.NoError(t, m.Delete("#random", "whoever"))
}

func TestHistory(t *testing.T) {
	m := NewManager()
	_, err := m.Create("lobby", "alice", false, 0)
	require.NoError(t, err)

	m.Record("lobby", "alice", "first")
	m.Record("lobby", "bob", "second")

	h := m.History("lobby")
	require.Len(t, h, 2)
	assert.Equal(t, "first", h[0].Content)
	assert.Equal(t, "bob", h[1].Sender)

	assert.Empty(t, m.History("elsewhere"))
}

func TestSnapshotRestore(t *testing.T) {
	m := NewManager()
	_, err := m.Create("lobby", "alice", true, 10)
	require.NoError(t, err)
	m.Record("lobby", "alice", "kept")
	m.External("#drive-by")

	restored := NewManager()
	restored.Restore(m.Snapshot())

	r, err := restored.Room("lobby")
	require.NoError(t, err)
	assert.True(t, r.Private)
	assert.Equal(t, 10, r.MaxMembers)
	require.Len(t, restored.History("lobby"), 1)
	assert.True(t, restored.External("#drive-by").External)
}
