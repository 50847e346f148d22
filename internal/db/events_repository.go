package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository persists server events. It implements the store interface
// consumed by the asynchronous database event sink.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates an EventRepository on the given pool.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// InsertConnectionEvent records a control-channel lifecycle change.
func (r *EventRepository) InsertConnectionEvent(ctx context.Context, at time.Time, sessionID, remoteAddr, kind, detail string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO connection_events (occurred_at, session_id, remote_addr, kind, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		at, sessionID, remoteAddr, kind, detail,
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// InsertSecurityEvent records a security incident.
func (r *EventRepository) InsertSecurityEvent(ctx context.Context, at time.Time, clientID, kind string, severity int, description string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO security_events (occurred_at, client_id, kind, severity, description)
		 VALUES ($1, $2, $3, $4, $5)`,
		at, clientID, kind, severity, description,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// InsertRoomEvent records a room membership or lifecycle change.
func (r *EventRepository) InsertRoomEvent(ctx context.Context, at time.Time, roomID, sessionID, action, detail string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_events (occurred_at, room_id, session_id, action, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		at, roomID, sessionID, action, detail,
	)
	if err != nil {
		return fmt.Errorf("inserting room event: %w", err)
	}
	return nil
}

// InsertServerEvent records a free-form server event with JSON context.
func (r *EventRepository) InsertServerEvent(ctx context.Context, at time.Time, level, category, message string, eventCtx map[string]any) error {
	payload, err := json.Marshal(eventCtx)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO server_events (occurred_at, level, category, message, context)
		 VALUES ($1, $2, $3, $4, $5)`,
		at, level, category, message, payload,
	)
	if err != nil {
		return fmt.Errorf("inserting server event: %w", err)
	}
	return nil
}
