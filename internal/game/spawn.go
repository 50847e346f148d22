package game

import "github.com/udisondev/raceserver/internal/protocol"

// Spawn grid parameters. Twenty starting boxes spaced along the x axis of
// the start/finish straight, matching the track layout baked into the client.
const (
	spawnCount    = 20
	spawnFirstX   = 66.0
	spawnSpacingX = 6.0
	spawnY        = -2.0
	spawnZ        = 0.8
)

// DefaultSpawnTable returns the ordered spawn positions for a room. Slot i
// is the i-th starting box: x = 66 - 6*i, y = -2, z = 0.8.
func DefaultSpawnTable() []protocol.Vector3 {
	table := make([]protocol.Vector3, spawnCount)
	for i := range table {
		table[i] = protocol.Vector3{
			X: float32(spawnFirstX - spawnSpacingX*float64(i)),
			Y: spawnY,
			Z: spawnZ,
		}
	}
	return table
}
