package security

import (
	"sync"
	"time"
)

// DefaultEventRingSize bounds the in-memory security event history.
const DefaultEventRingSize = 1000

// EventKind identifies a class of security event.
type EventKind string

const (
	EventRateLimitExceeded      EventKind = "RateLimitExceeded"
	EventPacketValidationFailed EventKind = "PacketValidationFailure"
	EventPhysicsViolation       EventKind = "PhysicsViolation"
	EventPlayerKicked           EventKind = "PlayerKicked"
)

// Event is one recorded security incident. Severity runs 1 (informational)
// to 5 (critical).
type Event struct {
	Time        time.Time
	Kind        EventKind
	ClientID    string
	Description string
	Severity    int
}

// eventRing is a fixed-capacity ring buffer of security events. Once full,
// new events overwrite the oldest. Thread-safe.
type eventRing struct {
	mu     sync.Mutex
	events []Event
	next   int
	filled bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{events: make([]Event, capacity)}
}

func (r *eventRing) append(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = evt
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.filled = true
	}
}

// snapshot returns the recorded events, oldest first.
func (r *eventRing) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]Event, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}
