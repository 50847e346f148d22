package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/raceserver/internal/protocol"
)

// Violation accounting defaults.
const (
	DefaultKickThreshold = 3
	violationWindow      = 5 * time.Minute
	maxThreatLevel       = 3
	sevRateLimit         = 2
	sevValidationFailure = 3
	sevKick              = 4
)

// ClientStats is a point-in-time snapshot of one client's standing.
type ClientStats struct {
	ControlRate  int // control messages in the current 1 s window
	DatagramRate int // datagrams in the current 1 s window
	Violations   int // violations in the 5-minute accounting window
	ThreatLevel  int // 0 (clean) to 3 (kick threshold reached)
}

// Manager orchestrates the rate limiter and packet validator, accounts
// violations per client, and decides when a client has earned a kick.
//
// The server core calls CheckDatagram for every decrypted datagram and
// consults ShouldKick afterwards; an optional event hook receives every
// security event for the pluggable sink.
type Manager struct {
	limiter   *RateLimiter
	validator *PacketValidator

	mu         sync.Mutex
	violations map[string][]time.Time

	events        *eventRing
	onEvent       func(Event)
	kickThreshold int
	now           func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithKickThreshold overrides the violation count that triggers a kick.
func WithKickThreshold(n int) ManagerOption {
	return func(m *Manager) {
		m.kickThreshold = n
	}
}

// WithEventHook registers a callback invoked for every security event.
// The hook must not block.
func WithEventHook(hook func(Event)) ManagerOption {
	return func(m *Manager) {
		m.onEvent = hook
	}
}

// WithManagerClock injects a clock shared with violation accounting (for
// tests).
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager wires a Manager around the given limiter and validator.
func NewManager(limiter *RateLimiter, validator *PacketValidator, opts ...ManagerOption) *Manager {
	m := &Manager{
		limiter:       limiter,
		validator:     validator,
		violations:    make(map[string][]time.Time),
		events:        newEventRing(DefaultEventRingSize),
		kickThreshold: DefaultKickThreshold,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AllowControl enforces the control-channel rate limit for one inbound
// message.
func (m *Manager) AllowControl(clientID string) bool {
	if m.limiter.Allow(clientID, ChannelControl) {
		return true
	}
	m.record(Event{
		Time:        m.now(),
		Kind:        EventRateLimitExceeded,
		ClientID:    clientID,
		Description: "control channel rate limit exceeded",
		Severity:    sevRateLimit,
	})
	return false
}

// CheckDatagram runs the full inbound pipeline for one decrypted datagram:
// rate limit, then command-specific validation. A failed check is recorded
// as a security event and counts toward the client's kick threshold.
func (m *Manager) CheckDatagram(clientID string, msg protocol.Message) Result {
	if !m.limiter.Allow(clientID, ChannelDatagram) {
		m.record(Event{
			Time:        m.now(),
			Kind:        EventRateLimitExceeded,
			ClientID:    clientID,
			Description: "datagram rate limit exceeded",
			Severity:    sevRateLimit,
		})
		return invalid(CodeStructure, "rate limit exceeded")
	}

	var res Result
	switch msg.Command {
	case protocol.CmdUpdate:
		res = m.validator.ValidateUpdate(msg)
	case protocol.CmdInput:
		res = m.validator.ValidateInput(msg)
	default:
		res = invalid(CodeStructure, "unknown datagram command %q", msg.Command)
	}

	if !res.Valid {
		m.recordViolation(clientID, res)
	}
	return res
}

// RecordViolation counts a protocol violation detected outside the datagram
// pipeline (e.g. a sessionId that does not match the decrypting session).
func (m *Manager) RecordViolation(clientID, reason string) {
	m.recordViolation(clientID, invalid(CodeStructure, "%s", reason))
}

func (m *Manager) recordViolation(clientID string, res Result) {
	kind := EventPacketValidationFailed
	if res.Code == CodePhysics {
		kind = EventPhysicsViolation
	}
	m.record(Event{
		Time:        m.now(),
		Kind:        kind,
		ClientID:    clientID,
		Description: res.Reason,
		Severity:    sevValidationFailure,
	})

	now := m.now()
	cutoff := now.Add(-violationWindow)

	m.mu.Lock()
	window := append(pruneWindow(m.violations[clientID], cutoff), now)
	m.violations[clientID] = window
	count := len(window)
	m.mu.Unlock()

	if count == m.kickThreshold {
		m.record(Event{
			Time:        now,
			Kind:        EventPlayerKicked,
			ClientID:    clientID,
			Description: fmt.Sprintf("%d violations within %s", count, violationWindow),
			Severity:    sevKick,
		})
	}
}

// ShouldKick reports whether the client's recent violations have reached the
// kick threshold.
func (m *Manager) ShouldKick(clientID string) bool {
	return m.recentViolations(clientID) >= m.kickThreshold
}

// ThreatLevel summarizes a client's recent violations as 0 (none) to 3.
func (m *Manager) ThreatLevel(clientID string) int {
	n := m.recentViolations(clientID)
	if n > maxThreatLevel {
		return maxThreatLevel
	}
	return n
}

func (m *Manager) recentViolations(clientID string) int {
	cutoff := m.now().Add(-violationWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	window, ok := m.violations[clientID]
	if !ok {
		return 0
	}
	window = pruneWindow(window, cutoff)
	m.violations[clientID] = window
	return len(window)
}

// Stats returns a snapshot of the client's rates, violations, and threat
// level.
func (m *Manager) Stats(clientID string) ClientStats {
	control, datagram := m.limiter.Rates(clientID)
	violations := m.recentViolations(clientID)
	level := violations
	if level > maxThreatLevel {
		level = maxThreatLevel
	}
	return ClientStats{
		ControlRate:  control,
		DatagramRate: datagram,
		Violations:   violations,
		ThreatLevel:  level,
	}
}

// Events returns the recorded security events, oldest first.
func (m *Manager) Events() []Event {
	return m.events.snapshot()
}

// Forget purges all state for a disconnected client.
func (m *Manager) Forget(clientID string) {
	m.limiter.Forget(clientID)
	m.validator.Forget(clientID)

	m.mu.Lock()
	delete(m.violations, clientID)
	m.mu.Unlock()
}

// Run drives the rate limiter sweeper until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	m.limiter.Run(ctx)
}

func (m *Manager) record(evt Event) {
	m.events.append(evt)
	slog.Debug("security event",
		"kind", evt.Kind,
		"client", evt.ClientID,
		"severity", evt.Severity,
		"description", evt.Description)
	if m.onEvent != nil {
		m.onEvent(evt)
	}
}
