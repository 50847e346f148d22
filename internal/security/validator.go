package security

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/udisondev/raceserver/internal/protocol"
)

// Physics validation defaults. These limits catch teleports, speed hacks,
// impossible spins, and out-of-world positions without punishing ordinary
// packet jitter.
const (
	DefaultMaxSpeed           = 200.0 // units per second
	DefaultMaxJump            = 50.0  // units, instantaneous allowance
	DefaultMaxAngularVelocity = 10.0  // radians per second
	DefaultWorldBoundXZ       = 1000.0
	DefaultWorldBoundY        = 100.0

	// minUpdateInterval is the burst tolerance: updates arriving closer
	// together than this are accepted without physics checks.
	minUpdateInterval = 8 * time.Millisecond
	// maxUpdateInterval is the reconnection threshold: a gap longer than
	// this resets the movement history.
	maxUpdateInterval = 5 * time.Second
	// resetJumpFactor scales the jump allowance for the first checked
	// update after a history reset.
	resetJumpFactor = 3.0
	// inputTimestampSkew is how far an INPUT timestamp may drift from the
	// server wall clock.
	inputTimestampSkew = 60 * time.Second
)

// Code classifies a validation failure.
type Code int

const (
	CodeOK Code = iota
	CodeStructure
	CodePhysics
	CodeInput
)

// Result is the outcome of validating one datagram.
type Result struct {
	Valid  bool
	Code   Code
	Reason string
}

func valid() Result {
	return Result{Valid: true}
}

func invalid(code Code, format string, args ...any) Result {
	return Result{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// PhysicsConfig bounds player movement.
type PhysicsConfig struct {
	MaxSpeed           float64 `yaml:"max_speed"`
	MaxJump            float64 `yaml:"max_jump"`
	MaxAngularVelocity float64 `yaml:"max_angular_velocity"`
	WorldBoundXZ       float64 `yaml:"world_bound_xz"`
	WorldBoundY        float64 `yaml:"world_bound_y"`
}

// DefaultPhysicsConfig returns the production movement limits.
func DefaultPhysicsConfig() PhysicsConfig {
	return PhysicsConfig{
		MaxSpeed:           DefaultMaxSpeed,
		MaxJump:            DefaultMaxJump,
		MaxAngularVelocity: DefaultMaxAngularVelocity,
		WorldBoundXZ:       DefaultWorldBoundXZ,
		WorldBoundY:        DefaultWorldBoundY,
	}
}

// movementState is the per-session history behind UPDATE validation.
type movementState struct {
	position  protocol.Vector3
	rotation  protocol.Quaternion
	updatedAt time.Time
	justReset bool
}

// PacketValidator performs structural, physics, and input-range validation
// of decrypted datagrams. Only UPDATE validation is stateful. Thread-safe.
type PacketValidator struct {
	mu      sync.Mutex
	history map[string]*movementState

	cfg PhysicsConfig
	now func() time.Time
}

// ValidatorOption customizes a PacketValidator.
type ValidatorOption func(*PacketValidator)

// WithPhysicsConfig overrides the movement limits.
func WithPhysicsConfig(cfg PhysicsConfig) ValidatorOption {
	return func(v *PacketValidator) {
		v.cfg = cfg
	}
}

// WithValidatorClock injects a clock (for tests).
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *PacketValidator) {
		v.now = now
	}
}

// NewPacketValidator creates a validator with the default physics limits.
func NewPacketValidator(opts ...ValidatorOption) *PacketValidator {
	v := &PacketValidator{
		history: make(map[string]*movementState),
		cfg:     DefaultPhysicsConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateStructure checks the fields every datagram must carry.
func (v *PacketValidator) ValidateStructure(msg protocol.Message, expectedCommand string) Result {
	if msg.Command != expectedCommand {
		return invalid(CodeStructure, "unexpected command %q, want %q", msg.Command, expectedCommand)
	}
	if msg.SessionID == "" {
		return invalid(CodeStructure, "missing sessionId")
	}
	return valid()
}

// ValidateUpdate checks a position update against the session's movement
// history and updates that history. Missing position/rotation fields default
// to the origin and the identity rotation.
func (v *PacketValidator) ValidateUpdate(msg protocol.Message) Result {
	if res := v.ValidateStructure(msg, protocol.CmdUpdate); !res.Valid {
		return res
	}

	pos := protocol.Vector3{}
	if msg.Position != nil {
		pos = *msg.Position
	}
	rot := protocol.Identity()
	if msg.Rotation != nil {
		rot = *msg.Rotation
	}

	if math.Abs(float64(pos.X)) > v.cfg.WorldBoundXZ ||
		math.Abs(float64(pos.Z)) > v.cfg.WorldBoundXZ ||
		math.Abs(float64(pos.Y)) > v.cfg.WorldBoundY {
		return invalid(CodePhysics, "position (%.1f, %.1f, %.1f) outside world bounds", pos.X, pos.Y, pos.Z)
	}

	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.history[msg.SessionID]
	if !ok {
		v.history[msg.SessionID] = &movementState{
			position:  pos,
			rotation:  rot,
			updatedAt: now,
		}
		return valid()
	}

	dt := now.Sub(st.updatedAt)
	switch {
	case dt < minUpdateInterval:
		// Burst tolerance: record and accept.
		st.position, st.rotation, st.updatedAt = pos, rot, now
		return valid()

	case dt > maxUpdateInterval:
		// Reconnection or initial spawn: reset history.
		st.position, st.rotation, st.updatedAt = pos, rot, now
		st.justReset = true
		return valid()
	}

	seconds := dt.Seconds()

	jump := v.cfg.MaxJump
	if st.justReset {
		jump *= resetJumpFactor
	}
	allowed := math.Max(v.cfg.MaxSpeed*seconds, jump)
	if dist := distance(st.position, pos); dist > allowed {
		return invalid(CodePhysics, "moved %.1f units in %.0fms (max %.1f)", dist, seconds*1000, allowed)
	}

	if theta := angularDistance(st.rotation, rot); theta > v.cfg.MaxAngularVelocity*seconds {
		return invalid(CodePhysics, "rotated %.2f rad in %.0fms (max %.2f)", theta, seconds*1000, v.cfg.MaxAngularVelocity*seconds)
	}

	st.position, st.rotation, st.updatedAt = pos, rot, now
	st.justReset = false
	return valid()
}

// ValidateInput checks an INPUT datagram. A missing input object passes
// through unchecked.
func (v *PacketValidator) ValidateInput(msg protocol.Message) Result {
	if res := v.ValidateStructure(msg, protocol.CmdInput); !res.Valid {
		return res
	}
	in := msg.Input
	if in == nil {
		return valid()
	}

	if in.Steering < -1 || in.Steering > 1 {
		return invalid(CodeInput, "steering %.3f out of range [-1, 1]", in.Steering)
	}
	if in.Throttle < 0 || in.Throttle > 1 {
		return invalid(CodeInput, "throttle %.3f out of range [0, 1]", in.Throttle)
	}
	if in.Brake < 0 || in.Brake > 1 {
		return invalid(CodeInput, "brake %.3f out of range [0, 1]", in.Brake)
	}
	if in.Timestamp != nil {
		ts := time.UnixMilli(int64(*in.Timestamp))
		if skew := v.now().Sub(ts).Abs(); skew > inputTimestampSkew {
			return invalid(CodeInput, "input timestamp skewed by %s", skew.Round(time.Second))
		}
	}
	return valid()
}

// Forget drops the movement history for a session.
func (v *PacketValidator) Forget(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.history, sessionID)
}

func distance(a, b protocol.Vector3) float64 {
	dx := float64(b.X - a.X)
	dy := float64(b.Y - a.Y)
	dz := float64(b.Z - a.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// angularDistance returns the rotation angle between two quaternions:
// theta = 2*acos(|a . b|), with the dot product clamped for unnormalized
// client input.
func angularDistance(a, b protocol.Quaternion) float64 {
	dot := float64(a.X*b.X + a.Y*b.Y + a.Z*b.Z + a.W*b.W)
	dot = math.Abs(dot)
	if dot > 1 {
		dot = 1
	}
	return 2 * math.Acos(dot)
}
