package raceserver

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/raceserver/internal/crypto"
	"github.com/udisondev/raceserver/internal/protocol"
)

// maxLineBytes caps one control-channel line. Anything longer is a broken or
// hostile client.
const maxLineBytes = 64 * 1024

// Session owns one control-channel connection: its socket, framing buffers,
// authentication state, and the per-session datagram cipher.
//
// All fields behind mu are written only by the session's own goroutine or by
// handlers running on it. The cipher and datagram endpoint are atomics
// because the UDP path reads them from other goroutines; both transition
// nil -> set at most once per session lifetime.
type Session struct {
	id   string
	conn net.Conn
	srv  *Server

	writeMu sync.Mutex

	mu            sync.Mutex
	name          string
	authenticated bool
	state         SessionState
	roomID        string

	cipher   atomic.Pointer[crypto.SessionCipher]
	endpoint atomic.Pointer[net.UDPAddr]
	lastSeen atomic.Int64 // unix nanoseconds

	closeOnce sync.Once
}

func newSession(id string, conn net.Conn, srv *Server) *Session {
	s := &Session{
		id:    id,
		conn:  conn,
		srv:   srv,
		name:  "Anonymous",
		state: StateConnected,
	}
	s.touch()
	return s
}

// run reads the control channel until the connection drops, the context is
// canceled, or a handler asks to close. It always deregisters the session on
// the way out.
func (s *Session) run(ctx context.Context) {
	defer s.srv.removeSession(s, "disconnected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	if _, err := s.conn.Write(protocol.Greeting(s.id)); err != nil {
		slog.Warn("failed to send greeting", "session", s.id, "err", err)
		return
	}

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := bytes.ReplaceAll(scanner.Bytes(), []byte("\r"), nil)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.touch()

		if !s.srv.security.AllowControl(s.id) {
			if err := s.send(protocol.Error("Rate limit exceeded")); err != nil {
				return
			}
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			slog.Debug("invalid control message", "session", s.id, "err", err)
			if err := s.send(protocol.Error("Invalid JSON format")); err != nil {
				return
			}
			continue
		}

		if closing := s.srv.dispatch(s, msg); closing {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Debug("control channel read ended", "session", s.id, "err", err)
	}
}

// send writes one JSON line to the peer. A write failure closes the session.
func (s *Session) send(msg protocol.Message) error {
	data, err := protocol.EncodeLine(msg)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(data); err != nil {
		slog.Debug("control channel write failed", "session", s.id, "err", err)
		s.close()
		return err
	}
	return nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.conn.Close()
	})
}

// ID returns the session id assigned on accept.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the control-channel peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Name returns the display name ("Anonymous" until a NAME command).
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Authenticated reports whether the session passed name/password auth.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// State returns the current state-machine position.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// authenticate marks the session authenticated and derives its datagram
// cipher from the session id.
func (s *Session) authenticate() error {
	cipher, err := crypto.NewSessionCipher(s.id)
	if err != nil {
		return err
	}
	s.cipher.Store(cipher)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	if s.state == StateConnected {
		s.state = StateAuthenticated
	}
	return nil
}

// Cipher returns the session's datagram cipher, nil before authentication.
func (s *Session) Cipher() *crypto.SessionCipher {
	return s.cipher.Load()
}

// RoomID returns the current room id ("" when not in a room).
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setRoom(roomID string, state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	if s.state != StateClosed {
		s.state = state
	}
}

// Endpoint returns the learned datagram endpoint, nil until the first
// datagram arrives.
func (s *Session) Endpoint() *net.UDPAddr {
	return s.endpoint.Load()
}

func (s *Session) setEndpoint(addr *net.UDPAddr) {
	s.endpoint.Store(addr)
}

// touch records activity for the idle reaper.
func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// idleFor returns how long the session has been silent.
func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}
