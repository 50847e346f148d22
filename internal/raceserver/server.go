// Package raceserver implements the multiplayer core: the TLS control
// channel, the encrypted UDP datagram channel, session lifecycle, and room
// orchestration.
package raceserver

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/udisondev/raceserver/internal/config"
	"github.com/udisondev/raceserver/internal/events"
	"github.com/udisondev/raceserver/internal/game"
	"github.com/udisondev/raceserver/internal/security"
)

// Server is the game server core. It owns the session and room registries
// and the background loops (heartbeat reaper, rate-limit sweeper).
type Server struct {
	cfg      config.RaceServer
	tlsConf  *tls.Config
	security *security.Manager
	sink     events.Sink
	accounts *PasswordTable
	pool     *BytePool

	sessions sync.Map // session id -> *Session
	rooms    sync.Map // room id -> *game.Room

	mu  sync.Mutex
	ln  net.Listener
	udp *net.UDPConn
}

// Option customizes a Server.
type Option func(*Server)

// WithSink replaces the event sink (default: SlogSink).
func WithSink(sink events.Sink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithSecurityManager replaces the security manager built from the config.
func WithSecurityManager(m *security.Manager) Option {
	return func(s *Server) {
		s.security = m
	}
}

// New creates a Server from config. tlsConf must carry the server
// certificate.
func New(cfg config.RaceServer, tlsConf *tls.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		tlsConf:  tlsConf,
		sink:     events.SlogSink{},
		accounts: NewPasswordTable(),
		pool:     NewBytePool(maxDatagramSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.security == nil {
		limiter := security.NewRateLimiter(security.WithRateLimits(
			cfg.RateLimit.ControlPerSecond,
			cfg.RateLimit.DatagramPerSecond,
			cfg.RateLimit.Burst,
		))
		validator := security.NewPacketValidator(security.WithPhysicsConfig(cfg.Physics))
		s.security = security.NewManager(limiter, validator,
			security.WithEventHook(s.sink.LogSecurity))
	}
	return s
}

// Run binds the TCP and UDP sockets on the configured address and serves
// until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))

	ln, err := tls.Listen("tcp", addr, s.tlsConf)
	if err != nil {
		return fmt.Errorf("listening on tcp %s: %w", addr, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("resolving udp %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("listening on udp %s: %w", addr, err)
	}

	return s.Serve(ctx, ln, udp)
}

// Serve runs the server on caller-provided sockets. It closes both when ctx
// is canceled and returns after all sessions have drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener, udp *net.UDPConn) error {
	s.mu.Lock()
	s.ln = ln
	s.udp = udp
	s.mu.Unlock()

	slog.Info("server listening", "tcp", ln.Addr(), "udp", udp.LocalAddr())
	s.sink.LogServerEvent(slog.LevelInfo, "lifecycle", "server listening", map[string]any{
		"tcp": ln.Addr().String(),
		"udp": udp.LocalAddr().String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wgGo := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	wgGo(func() {
		<-ctx.Done()
		ln.Close()
		udp.Close()
	})
	wgGo(func() { s.receiveDatagrams(ctx, udp) })
	wgGo(func() { s.heartbeatLoop(ctx) })
	wgGo(func() { s.security.Run(ctx) })

	var sessWG sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		sess := s.register(conn)
		sessWG.Add(1)
		go func() {
			defer sessWG.Done()
			sess.run(ctx)
		}()
	}

	cancel()
	sessWG.Wait()
	wg.Wait()

	slog.Info("server stopped")
	s.sink.LogServerEvent(slog.LevelInfo, "lifecycle", "server stopped", nil)
	return nil
}

// Addr returns the control-channel listen address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// UDPAddr returns the datagram listen address, nil before Serve.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

func (s *Server) register(conn net.Conn) *Session {
	sess := newSession(newSessionID(), conn, s)
	s.sessions.Store(sess.id, sess)

	slog.Info("client connected", "session", sess.id, "remote", conn.RemoteAddr())
	s.sink.LogConnection(events.ConnectionEvent{
		Time:       time.Now(),
		SessionID:  sess.id,
		RemoteAddr: conn.RemoteAddr().String(),
		Kind:       "connected",
	})
	return sess
}

// removeSession deregisters a session, pulls it out of its room, and purges
// its security state. Safe to call more than once.
func (s *Server) removeSession(sess *Session, kind string) {
	if _, loaded := s.sessions.LoadAndDelete(sess.id); !loaded {
		return
	}
	if roomID := sess.RoomID(); roomID != "" {
		s.leaveRoom(sess, roomID)
	}
	s.security.Forget(sess.id)
	sess.close()

	slog.Info("client disconnected", "session", sess.id, "reason", kind)
	s.sink.LogConnection(events.ConnectionEvent{
		Time:       time.Now(),
		SessionID:  sess.id,
		RemoteAddr: sess.RemoteAddr(),
		Kind:       kind,
	})
}

// kick removes a session immediately. The closed socket then unblocks the
// session's read loop, whose own removeSession call becomes a no-op.
func (s *Server) kick(sess *Session) {
	slog.Warn("kicking session", "session", sess.id, "threat", s.security.ThreatLevel(sess.id))
	s.removeSession(sess, "kicked")
}

func (s *Server) session(id string) (*Session, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (s *Server) room(id string) (*game.Room, bool) {
	v, ok := s.rooms.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*game.Room), true
}

// heartbeatLoop reaps sessions whose last activity is older than the idle
// timeout.
func (s *Server) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.HeartbeatSeconds) * time.Second
	idleLimit := time.Duration(s.cfg.IdleTimeoutSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.Range(func(_, value any) bool {
				sess := value.(*Session)
				if sess.idleFor() > idleLimit {
					slog.Info("reaping idle session", "session", sess.id, "idle", sess.idleFor())
					s.removeSession(sess, "idle_timeout")
				}
				return true
			})
		}
	}
}

// newSessionID returns a 32-character random hex id.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("reading random session id: %v", err))
	}
	return hex.EncodeToString(b[:])
}
