// Package security implements the anti-abuse subsystem: sliding-window rate
// limiting, structural and physics validation of datagrams, and violation
// accounting with automatic kick.
package security

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Rate limiter defaults.
const (
	DefaultControlLimit  = 10  // control messages per second
	DefaultDatagramLimit = 120 // datagrams per second
	DefaultBurst         = 10

	rateWindow        = time.Second
	sweepInterval     = 30 * time.Second
	clientIdleTimeout = 60 * time.Second
)

// Channel selects which of a client's two rate windows an event counts
// against.
type Channel int

const (
	ChannelControl Channel = iota
	ChannelDatagram
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

type rateState struct {
	control  []time.Time
	datagram []time.Time
	lastSeen time.Time
}

// RateLimiter tracks per-client message rates over a sliding one-second
// window, one window per channel. Thread-safe.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateState

	controlLimit  int
	datagramLimit int
	burst         int
	now           func() time.Time
}

// RateLimiterOption customizes a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimits overrides the per-second limits and burst allowance.
func WithRateLimits(control, datagram, burst int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.controlLimit = control
		rl.datagramLimit = datagram
		rl.burst = burst
	}
}

// WithRateClock injects a clock (for tests).
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a limiter with the default limits.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		clients:       make(map[string]*rateState),
		controlLimit:  DefaultControlLimit,
		datagramLimit: DefaultDatagramLimit,
		burst:         DefaultBurst,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow records one event for the client on the given channel and reports
// whether the client is still within limit+burst for the current window.
func (rl *RateLimiter) Allow(clientID string, ch Channel) bool {
	now := rl.now()
	cutoff := now.Add(-rateWindow)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.clients[clientID]
	if !ok {
		st = &rateState{}
		rl.clients[clientID] = st
	}
	st.lastSeen = now

	var window *[]time.Time
	limit := rl.controlLimit
	if ch == ChannelDatagram {
		window = &st.datagram
		limit = rl.datagramLimit
	} else {
		window = &st.control
	}

	*window = append(pruneWindow(*window, cutoff), now)
	return len(*window) <= limit+rl.burst
}

// Rates returns the client's current control and datagram counts within the
// sliding window.
func (rl *RateLimiter) Rates(clientID string) (control, datagram int) {
	cutoff := rl.now().Add(-rateWindow)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.clients[clientID]
	if !ok {
		return 0, 0
	}
	st.control = pruneWindow(st.control, cutoff)
	st.datagram = pruneWindow(st.datagram, cutoff)
	return len(st.control), len(st.datagram)
}

// Forget drops all state for a client.
func (rl *RateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, clientID)
}

// Sweep removes state for clients idle longer than idleFor and returns the
// number of clients removed.
func (rl *RateLimiter) Sweep(idleFor time.Duration) int {
	cutoff := rl.now().Add(-idleFor)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, st := range rl.clients {
		if st.lastSeen.Before(cutoff) {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle clients every 30 s until ctx is canceled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Sweep(clientIdleTimeout); n > 0 {
				slog.Debug("rate limiter sweep", "removed", n)
			}
		}
	}
}

// TrackedClients returns the number of clients with live rate state.
func (rl *RateLimiter) TrackedClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// pruneWindow drops timestamps at or before cutoff. Entries are appended in
// order, so the first surviving index can be found by a linear scan.
func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}
