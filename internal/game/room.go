// Package game implements the room model: membership, host election, spawn
// slot assignment, and the per-room position cache used by datagram fan-out.
package game

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/udisondev/raceserver/internal/protocol"
)

// DefaultMaxPlayers is the member cap for a newly created room.
const DefaultMaxPlayers = 20

var (
	// ErrRoomFull is returned when the member cap or the spawn table is
	// exhausted.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomActive is returned when joining a room whose game has started.
	ErrRoomActive = errors.New("game already in progress")
	// ErrAlreadyMember is returned when a session joins a room twice.
	ErrAlreadyMember = errors.New("already in room")
	// ErrNotMember is returned by operations on sessions outside the room.
	ErrNotMember = errors.New("not a room member")
)

// Player is one room member. A Player belongs to exactly one Room; all
// mutable fields are guarded by the owning room's lock.
type Player struct {
	ID       string
	Name     string
	Endpoint *net.UDPAddr // learned from the first datagram; nil until then
	Position protocol.Vector3
	Rotation protocol.Quaternion
}

// Room is one game instance. Members join in the lobby (active=false); once
// the host starts the game the active flag is set and no further joins are
// accepted.
//
// Spawn slots are monotonic: the i-th joiner over the room's lifetime gets
// slot i, and a departed member's slot is never reused. When the table is
// exhausted further joins are rejected even if the member count dropped.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time

	mu         sync.RWMutex
	members    map[string]*Player
	joinOrder  []string // member ids in join order, departed removed
	slots      map[string]int
	nextSlot   int
	hostID     string
	active     bool
	maxPlayers int
	spawns     []protocol.Vector3
}

// RoomOption customizes a new room.
type RoomOption func(*Room)

// WithMaxPlayers overrides the member cap.
func WithMaxPlayers(n int) RoomOption {
	return func(r *Room) {
		r.maxPlayers = n
	}
}

// WithSpawnTable overrides the spawn position table.
func WithSpawnTable(table []protocol.Vector3) RoomOption {
	return func(r *Room) {
		r.spawns = table
	}
}

// NewRoom creates a room with host as its first member and host.
func NewRoom(id, name string, host *Player, opts ...RoomOption) *Room {
	r := &Room{
		ID:         id,
		Name:       name,
		CreatedAt:  time.Now(),
		members:    make(map[string]*Player),
		slots:      make(map[string]int),
		maxPlayers: DefaultMaxPlayers,
		spawns:     DefaultSpawnTable(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.members[host.ID] = host
	r.joinOrder = append(r.joinOrder, host.ID)
	r.slots[host.ID] = 0
	r.nextSlot = 1
	r.hostID = host.ID
	return r
}

// TryAdd adds a player to the room. Fails if the room is active, full, out
// of spawn slots, or already contains the player.
func (r *Room) TryAdd(p *Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrRoomActive
	}
	if _, ok := r.members[p.ID]; ok {
		return ErrAlreadyMember
	}
	if len(r.members) >= r.maxPlayers || r.nextSlot >= len(r.spawns) {
		return ErrRoomFull
	}

	r.members[p.ID] = p
	r.joinOrder = append(r.joinOrder, p.ID)
	r.slots[p.ID] = r.nextSlot
	r.nextSlot++
	return nil
}

// TryRemove removes a member. If the departing member was the host and
// members remain, the host transfers to the earliest remaining joiner.
// Returns the new host id ("" if unchanged or the room emptied) and whether
// the room is now empty.
func (r *Room) TryRemove(id string) (newHost string, empty bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return "", len(r.members) == 0, ErrNotMember
	}

	delete(r.members, id)
	for i, mid := range r.joinOrder {
		if mid == id {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}
	// The spawn slot is intentionally left assigned; slots are never reused.

	if len(r.members) == 0 {
		r.hostID = ""
		return "", true, nil
	}
	if r.hostID == id {
		r.hostID = r.joinOrder[0]
		return r.hostID, false, nil
	}
	return "", false, nil
}

// Contains reports whether id is a member.
func (r *Room) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// UpdatePosition caches a member's last known position and rotation.
func (r *Room) UpdatePosition(id string, pos protocol.Vector3, rot protocol.Quaternion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return ErrNotMember
	}
	p.Position = pos
	p.Rotation = rot
	return nil
}

// SetEndpoint records a member's datagram endpoint.
func (r *Room) SetEndpoint(id string, addr *net.UDPAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return ErrNotMember
	}
	p.Endpoint = addr
	return nil
}

// SpawnFor returns the spawn position assigned to a member.
func (r *Room) SpawnFor(id string) (protocol.Vector3, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.slots[id]
	if !ok {
		return protocol.Vector3{}, ErrNotMember
	}
	return r.spawns[slot], nil
}

// StartGame flips the room active and returns the spawn assignment for every
// current member.
func (r *Room) StartGame() map[string]protocol.Vector3 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = true
	spawns := make(map[string]protocol.Vector3, len(r.members))
	for id := range r.members {
		spawns[id] = r.spawns[r.slots[id]]
	}
	return spawns
}

// IsActive reports whether the game has started.
func (r *Room) IsActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// HostID returns the current host session id ("" for an empty room).
func (r *Room) HostID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

// Len returns the current member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Summary returns the room's ROOM_LIST entry.
func (r *Room) Summary() protocol.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return protocol.RoomSummary{
		ID:          r.ID,
		Name:        r.Name,
		PlayerCount: len(r.members),
		IsActive:    r.active,
		HostID:      r.hostID,
	}
}

// PlayerList returns the ROOM_PLAYERS entries in join order.
func (r *Room) PlayerList() []protocol.PlayerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.PlayerSummary, 0, len(r.members))
	for _, id := range r.joinOrder {
		p := r.members[id]
		out = append(out, protocol.PlayerSummary{ID: p.ID, Name: p.Name})
	}
	return out
}

// Members returns a snapshot of the current members. The returned structs
// are copies; mutating them does not affect the room.
func (r *Room) Members() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Player, 0, len(r.members))
	for _, id := range r.joinOrder {
		out = append(out, *r.members[id])
	}
	return out
}
