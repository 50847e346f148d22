package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/udisondev/raceserver/internal/security"
)

// DefaultDBSinkBuffer is the queue depth of the asynchronous database sink.
const DefaultDBSinkBuffer = 256

// EventStore persists events. Implemented by db.EventRepository; the
// interface lives here so tests can inject a fake.
type EventStore interface {
	InsertConnectionEvent(ctx context.Context, at time.Time, sessionID, remoteAddr, kind, detail string) error
	InsertSecurityEvent(ctx context.Context, at time.Time, clientID, kind string, severity int, description string) error
	InsertRoomEvent(ctx context.Context, at time.Time, roomID, sessionID, action, detail string) error
	InsertServerEvent(ctx context.Context, at time.Time, level, category, message string, eventCtx map[string]any) error
}

// DBSink writes events to PostgreSQL from a background goroutine. Log calls
// enqueue and return immediately; when the queue is full the event is
// dropped. Store errors are logged, never returned.
type DBSink struct {
	store EventStore
	queue chan func(context.Context) error
}

// DBSinkOption customizes a DBSink.
type DBSinkOption func(*DBSink)

// WithBuffer overrides the queue depth.
func WithBuffer(n int) DBSinkOption {
	return func(s *DBSink) {
		s.queue = make(chan func(context.Context) error, n)
	}
}

// NewDBSink creates a sink around store. Call Run to start the writer.
func NewDBSink(store EventStore, opts ...DBSinkOption) *DBSink {
	s := &DBSink{
		store: store,
		queue: make(chan func(context.Context) error, DefaultDBSinkBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drains the queue until ctx is canceled.
func (s *DBSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case write := <-s.queue:
			if err := write(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("event sink write failed", "err", err)
			}
		}
	}
}

func (s *DBSink) enqueue(write func(context.Context) error) {
	select {
	case s.queue <- write:
	default:
		// Queue full: drop rather than block the caller.
	}
}

func (s *DBSink) LogConnection(evt ConnectionEvent) {
	s.enqueue(func(ctx context.Context) error {
		return s.store.InsertConnectionEvent(ctx, evt.Time, evt.SessionID, evt.RemoteAddr, evt.Kind, evt.Detail)
	})
}

func (s *DBSink) LogSecurity(evt security.Event) {
	s.enqueue(func(ctx context.Context) error {
		return s.store.InsertSecurityEvent(ctx, evt.Time, evt.ClientID, string(evt.Kind), evt.Severity, evt.Description)
	})
}

func (s *DBSink) LogRoomActivity(evt RoomEvent) {
	s.enqueue(func(ctx context.Context) error {
		return s.store.InsertRoomEvent(ctx, evt.Time, evt.RoomID, evt.SessionID, evt.Action, evt.Detail)
	})
}

func (s *DBSink) LogServerEvent(level slog.Level, category, msg string, eventCtx map[string]any) {
	at := time.Now()
	s.enqueue(func(ctx context.Context) error {
		return s.store.InsertServerEvent(ctx, at, level.String(), category, msg, eventCtx)
	})
}
