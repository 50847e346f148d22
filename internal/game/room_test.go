package game

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/raceserver/internal/protocol"
)

func newTestPlayer(t *testing.T, id string) *Player {
	t.Helper()
	return &Player{ID: id, Name: "player-" + id, Rotation: protocol.Identity()}
}

func TestNewRoom_HostIsFirstMember(t *testing.T) {
	host := newTestPlayer(t, "A")
	r := NewRoom("R", "r1", host)

	assert.Equal(t, "A", r.HostID())
	assert.True(t, r.Contains("A"))
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.IsActive())

	spawn, err := r.SpawnFor("A")
	require.NoError(t, err)
	assert.Equal(t, protocol.Vector3{X: 66, Y: -2, Z: 0.8}, spawn)
}

func TestRoom_TryAdd(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))

	require.NoError(t, r.TryAdd(newTestPlayer(t, "B")))
	assert.Equal(t, 2, r.Len())

	spawn, err := r.SpawnFor("B")
	require.NoError(t, err)
	assert.Equal(t, protocol.Vector3{X: 60, Y: -2, Z: 0.8}, spawn)

	assert.ErrorIs(t, r.TryAdd(newTestPlayer(t, "B")), ErrAlreadyMember)
}

func TestRoom_TryAdd_Full(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "host"), WithMaxPlayers(2))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "B")))
	assert.ErrorIs(t, r.TryAdd(newTestPlayer(t, "C")), ErrRoomFull)
}

func TestRoom_TryAdd_ActiveRejected(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))
	r.StartGame()
	assert.ErrorIs(t, r.TryAdd(newTestPlayer(t, "B")), ErrRoomActive)
}

func TestRoom_SpawnSlotsAreNeverReused(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "B")))

	_, _, err := r.TryRemove("B")
	require.NoError(t, err)

	// C joins after B left; B's slot 1 stays burned, C gets slot 2.
	require.NoError(t, r.TryAdd(newTestPlayer(t, "C")))
	spawn, err := r.SpawnFor("C")
	require.NoError(t, err)
	assert.Equal(t, protocol.Vector3{X: 54, Y: -2, Z: 0.8}, spawn)
}

func TestRoom_SlotExhaustionRejectsAdd(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "p0"))

	// Churn members until all 20 slots are burned.
	for i := 1; i < spawnCount; i++ {
		id := fmt.Sprintf("p%d", i)
		require.NoError(t, r.TryAdd(newTestPlayer(t, id)))
		_, _, err := r.TryRemove(id)
		require.NoError(t, err)
	}

	assert.ErrorIs(t, r.TryAdd(newTestPlayer(t, "late")), ErrRoomFull)
	assert.Equal(t, 1, r.Len())
}

func TestRoom_HostTransfer(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "B")))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "C")))

	newHost, empty, err := r.TryRemove("A")
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, "B", newHost)
	assert.Equal(t, "B", r.HostID())

	// Removing a non-host does not change the host.
	newHost, empty, err = r.TryRemove("C")
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Empty(t, newHost)
	assert.Equal(t, "B", r.HostID())

	newHost, empty, err = r.TryRemove("B")
	require.NoError(t, err)
	assert.True(t, empty)
	assert.Empty(t, newHost)
	assert.Equal(t, 0, r.Len())
}

func TestRoom_TryRemove_NotMember(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))
	_, _, err := r.TryRemove("ghost")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestRoom_HostAlwaysMemberWhenNonEmpty(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))
	for _, id := range []string{"B", "C", "D"} {
		require.NoError(t, r.TryAdd(newTestPlayer(t, id)))
	}

	for _, id := range []string{"A", "C", "B"} {
		_, _, err := r.TryRemove(id)
		require.NoError(t, err)
		if r.Len() > 0 {
			assert.True(t, r.Contains(r.HostID()), "host %q must be a member after removing %q", r.HostID(), id)
		}
	}
}

func TestRoom_StartGame(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "B")))

	spawns := r.StartGame()
	assert.True(t, r.IsActive())
	assert.Equal(t, map[string]protocol.Vector3{
		"A": {X: 66, Y: -2, Z: 0.8},
		"B": {X: 60, Y: -2, Z: 0.8},
	}, spawns)
}

func TestRoom_UpdatePosition(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))

	pos := protocol.Vector3{X: 10, Y: 0, Z: 5}
	rot := protocol.Quaternion{W: 1}
	require.NoError(t, r.UpdatePosition("A", pos, rot))
	assert.ErrorIs(t, r.UpdatePosition("ghost", pos, rot), ErrNotMember)

	members := r.Members()
	require.Len(t, members, 1)
	assert.Equal(t, pos, members[0].Position)
}

func TestRoom_Summary(t *testing.T) {
	r := NewRoom("R", "race night", newTestPlayer(t, "A"))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "B")))

	got := r.Summary()
	assert.Equal(t, protocol.RoomSummary{
		ID:          "R",
		Name:        "race night",
		PlayerCount: 2,
		IsActive:    false,
		HostID:      "A",
	}, got)
}

func TestRoom_PlayerListJoinOrder(t *testing.T) {
	r := NewRoom("R", "r1", newTestPlayer(t, "A"))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "B")))
	require.NoError(t, r.TryAdd(newTestPlayer(t, "C")))

	list := r.PlayerList()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestDefaultSpawnTable(t *testing.T) {
	table := DefaultSpawnTable()
	require.Len(t, table, 20)
	assert.Equal(t, protocol.Vector3{X: 66, Y: -2, Z: 0.8}, table[0])
	assert.Equal(t, protocol.Vector3{X: 60, Y: -2, Z: 0.8}, table[1])
	assert.Equal(t, protocol.Vector3{X: 66 - 6*19, Y: -2, Z: 0.8}, table[19])
}
