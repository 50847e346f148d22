// Package events defines the pluggable sink the server core reports
// connection, security, and room activity to. The core calls sinks
// fire-and-forget; implementations must never let an error reach the caller.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/udisondev/raceserver/internal/security"
)

// ConnectionEvent describes a control-channel lifecycle change.
type ConnectionEvent struct {
	Time       time.Time
	SessionID  string
	RemoteAddr string
	Kind       string // "connected", "disconnected", "kicked", "idle_timeout"
	Detail     string
}

// RoomEvent describes a room membership or lifecycle change.
type RoomEvent struct {
	Time      time.Time
	RoomID    string
	SessionID string
	Action    string // "created", "joined", "left", "host_transfer", "started", "deleted"
	Detail    string
}

// Sink receives server events. Implementations may be synchronous,
// asynchronous, or discard everything.
type Sink interface {
	LogConnection(evt ConnectionEvent)
	LogSecurity(evt security.Event)
	LogRoomActivity(evt RoomEvent)
	LogServerEvent(level slog.Level, category, msg string, ctx map[string]any)
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) LogConnection(ConnectionEvent) {}
func (NullSink) LogSecurity(security.Event)    {}
func (NullSink) LogRoomActivity(RoomEvent)     {}
func (NullSink) LogServerEvent(slog.Level, string, string, map[string]any) {}

// SlogSink forwards every event to the process logger.
type SlogSink struct{}

func (SlogSink) LogConnection(evt ConnectionEvent) {
	slog.Info("connection event",
		"kind", evt.Kind,
		"session", evt.SessionID,
		"remote", evt.RemoteAddr,
		"detail", evt.Detail)
}

func (SlogSink) LogSecurity(evt security.Event) {
	slog.Warn("security event",
		"kind", evt.Kind,
		"client", evt.ClientID,
		"severity", evt.Severity,
		"description", evt.Description)
}

func (SlogSink) LogRoomActivity(evt RoomEvent) {
	slog.Info("room event",
		"action", evt.Action,
		"room", evt.RoomID,
		"session", evt.SessionID,
		"detail", evt.Detail)
}

func (SlogSink) LogServerEvent(level slog.Level, category, msg string, ctx map[string]any) {
	args := make([]any, 0, 2+2*len(ctx))
	args = append(args, "category", category)
	for k, v := range ctx {
		args = append(args, k, v)
	}
	slog.Log(context.Background(), level, msg, args...)
}
