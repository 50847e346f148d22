package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/raceserver/internal/protocol"
)

func updateMsg(sessionID string, x, y, z float32) protocol.Message {
	return protocol.Message{
		Command:   protocol.CmdUpdate,
		SessionID: sessionID,
		Position:  &protocol.Vector3{X: x, Y: y, Z: z},
		Rotation:  &protocol.Quaternion{W: 1},
	}
}

func TestValidateStructure(t *testing.T) {
	v := NewPacketValidator()

	tests := []struct {
		name     string
		msg      protocol.Message
		expected string
		wantOK   bool
	}{
		{"valid", protocol.Message{Command: "UPDATE", SessionID: "s1"}, "UPDATE", true},
		{"wrong command", protocol.Message{Command: "INPUT", SessionID: "s1"}, "UPDATE", false},
		{"empty command", protocol.Message{SessionID: "s1"}, "UPDATE", false},
		{"missing sessionId", protocol.Message{Command: "UPDATE"}, "UPDATE", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateStructure(tt.msg, tt.expected)
			assert.Equal(t, tt.wantOK, res.Valid)
			if !tt.wantOK {
				assert.Equal(t, CodeStructure, res.Code)
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestValidateUpdate_FirstUpdateAccepted(t *testing.T) {
	v := NewPacketValidator()
	res := v.ValidateUpdate(updateMsg("s1", 500, 50, -800))
	assert.True(t, res.Valid)
}

func TestValidateUpdate_TeleportRejected(t *testing.T) {
	clock := newFakeClock()
	v := NewPacketValidator(WithValidatorClock(clock.Now))

	require.True(t, v.ValidateUpdate(updateMsg("s1", 0, 0, 0)).Valid)

	// A couple of ordinary updates establish a moving baseline.
	clock.Advance(100 * time.Millisecond)
	require.True(t, v.ValidateUpdate(updateMsg("s1", 1, 0, 0)).Valid)
	clock.Advance(100 * time.Millisecond)
	require.True(t, v.ValidateUpdate(updateMsg("s1", 2, 0, 0)).Valid)

	// 100 units in 100 ms: above max(200*0.1, 50) = 50.
	clock.Advance(100 * time.Millisecond)
	res := v.ValidateUpdate(updateMsg("s1", 102, 0, 0))
	assert.False(t, res.Valid)
	assert.Equal(t, CodePhysics, res.Code)
}

func TestValidateUpdate_SecondUpdateGetsNoRelaxedAllowance(t *testing.T) {
	clock := newFakeClock()
	v := NewPacketValidator(WithValidatorClock(clock.Now))

	// The relaxed 3x jump allowance is reserved for updates after a long
	// gap; the second update ever is held to the normal limit.
	require.True(t, v.ValidateUpdate(updateMsg("s1", 0, 0, 0)).Valid)

	clock.Advance(100 * time.Millisecond)
	res := v.ValidateUpdate(updateMsg("s1", 100, 0, 0))
	require.False(t, res.Valid, "100 units in 100ms exceeds max(20, 50)")
	assert.Equal(t, CodePhysics, res.Code)
}

func TestValidateUpdate_ResetAllowanceAfterGap(t *testing.T) {
	clock := newFakeClock()
	v := NewPacketValidator(WithValidatorClock(clock.Now))

	require.True(t, v.ValidateUpdate(updateMsg("s1", 0, 0, 0)).Valid)

	// A gap above 5 s resets history; the update is accepted wherever it is.
	clock.Advance(6 * time.Second)
	require.True(t, v.ValidateUpdate(updateMsg("s1", 900, 0, 900)).Valid)

	// First checked update after the reset gets 3x max_jump = 150.
	clock.Advance(100 * time.Millisecond)
	assert.True(t, v.ValidateUpdate(updateMsg("s1", 900, 0, 760)).Valid, "140 units within reset allowance")

	// The relaxed allowance applies only once.
	clock.Advance(100 * time.Millisecond)
	res := v.ValidateUpdate(updateMsg("s1", 900, 0, 900))
	assert.False(t, res.Valid, "140 units after baseline restored")
}

func TestValidateUpdate_BurstTolerance(t *testing.T) {
	clock := newFakeClock()
	v := NewPacketValidator(WithValidatorClock(clock.Now))

	require.True(t, v.ValidateUpdate(updateMsg("s1", 0, 0, 0)).Valid)

	// Under 8 ms between updates: accepted regardless of distance.
	clock.Advance(2 * time.Millisecond)
	assert.True(t, v.ValidateUpdate(updateMsg("s1", 500, 0, 0)).Valid)
}

func TestValidateUpdate_WorldBounds(t *testing.T) {
	v := NewPacketValidator()

	tests := []struct {
		name    string
		x, y, z float32
		wantOK  bool
	}{
		{"inside", 999, 99, -999, true},
		{"x out", 1001, 0, 0, false},
		{"y out", 0, 101, 0, false},
		{"z out", 0, 0, -1001, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateUpdate(updateMsg("s-"+tt.name, tt.x, tt.y, tt.z))
			assert.Equal(t, tt.wantOK, res.Valid)
		})
	}
}

func TestValidateUpdate_RotationLimit(t *testing.T) {
	clock := newFakeClock()
	v := NewPacketValidator(WithValidatorClock(clock.Now))

	msg := updateMsg("s1", 0, 0, 0)
	require.True(t, v.ValidateUpdate(msg).Valid)
	clock.Advance(50 * time.Millisecond)
	require.True(t, v.ValidateUpdate(msg).Valid) // clear reset flag

	// A 180-degree flip (pi rad) in 50 ms far exceeds 10 rad/s * 0.05 s.
	clock.Advance(50 * time.Millisecond)
	flipped := updateMsg("s1", 0, 0, 0)
	flipped.Rotation = &protocol.Quaternion{X: 0, Y: 1, Z: 0, W: 0}
	res := v.ValidateUpdate(flipped)
	assert.False(t, res.Valid)
	assert.Equal(t, CodePhysics, res.Code)
}

func TestValidateUpdate_MissingFieldsDefault(t *testing.T) {
	v := NewPacketValidator()

	// No position/rotation: defaults to origin and identity, accepted.
	res := v.ValidateUpdate(protocol.Message{Command: protocol.CmdUpdate, SessionID: "s1"})
	assert.True(t, res.Valid)
}

func TestValidateInput(t *testing.T) {
	clock := newFakeClock()
	v := NewPacketValidator(WithValidatorClock(clock.Now))

	nowMs := float64(clock.Now().UnixMilli())
	staleMs := float64(clock.Now().Add(-2 * time.Minute).UnixMilli())

	tests := []struct {
		name   string
		input  *protocol.InputState
		wantOK bool
	}{
		{"missing input passes", nil, true},
		{"in range", &protocol.InputState{Steering: -0.5, Throttle: 1, Brake: 0}, true},
		{"steering high", &protocol.InputState{Steering: 1.5}, false},
		{"steering low", &protocol.InputState{Steering: -1.5}, false},
		{"throttle out", &protocol.InputState{Throttle: 1.2}, false},
		{"brake negative", &protocol.InputState{Brake: -0.1}, false},
		{"fresh timestamp", &protocol.InputState{Timestamp: &nowMs}, true},
		{"stale timestamp", &protocol.InputState{Timestamp: &staleMs}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := protocol.Message{Command: protocol.CmdInput, SessionID: "s1", RoomID: "r1", Input: tt.input}
			res := v.ValidateInput(msg)
			assert.Equal(t, tt.wantOK, res.Valid)
			if !tt.wantOK {
				assert.Equal(t, CodeInput, res.Code)
			}
		})
	}
}

func TestValidator_Forget(t *testing.T) {
	clock := newFakeClock()
	v := NewPacketValidator(WithValidatorClock(clock.Now))

	require.True(t, v.ValidateUpdate(updateMsg("s1", 0, 0, 0)).Valid)
	v.Forget("s1")

	// History gone: the next update is treated as a first contact again.
	clock.Advance(100 * time.Millisecond)
	assert.True(t, v.ValidateUpdate(updateMsg("s1", 800, 0, 800)).Valid)
}
