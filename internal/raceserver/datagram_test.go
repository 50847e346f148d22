package raceserver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/raceserver/internal/crypto"
	"github.com/udisondev/raceserver/internal/protocol"
	"github.com/udisondev/raceserver/internal/security"
)

type udpClient struct {
	t      *testing.T
	conn   *net.UDPConn
	server *net.UDPAddr
	cipher *crypto.SessionCipher
}

func newUDPClient(t *testing.T, srv *Server, sessionID string) *udpClient {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	cipher, err := crypto.NewSessionCipher(sessionID)
	require.NoError(t, err)

	return &udpClient{
		t:      t,
		conn:   conn,
		server: srv.UDPAddr().(*net.UDPAddr),
		cipher: cipher,
	}
}

func (u *udpClient) sendEncrypted(msg protocol.Message) {
	u.t.Helper()
	data, err := protocol.EncodeLine(msg)
	require.NoError(u.t, err)
	_, err = u.conn.WriteToUDP(u.cipher.Encrypt(data[:len(data)-1]), u.server)
	require.NoError(u.t, err)
}

func (u *udpClient) sendPlain(msg protocol.Message) {
	u.t.Helper()
	data, err := protocol.EncodeLine(msg)
	require.NoError(u.t, err)
	_, err = u.conn.WriteToUDP(data, u.server)
	require.NoError(u.t, err)
}

// recvEncrypted reads one framed datagram and decrypts it with the client's
// own session cipher.
func (u *udpClient) recvEncrypted() protocol.Message {
	u.t.Helper()

	require.NoError(u.t, u.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagramSize)
	n, _, err := u.conn.ReadFromUDP(buf)
	require.NoError(u.t, err)

	require.True(u.t, crypto.IsFramed(buf[:n]), "expected an encrypted frame")
	plaintext, err := u.cipher.Decrypt(buf[:n])
	require.NoError(u.t, err)

	msg, err := protocol.Decode(plaintext)
	require.NoError(u.t, err)
	return msg
}

func updateDatagram(sessionID string, x, y, z float32) protocol.Message {
	rot := protocol.Identity()
	return protocol.Message{
		Command:   protocol.CmdUpdate,
		SessionID: sessionID,
		Position:  &protocol.Vector3{X: x, Y: y, Z: z},
		Rotation:  &rot,
	}
}

// setupStartedGame brings two authenticated clients into one started room.
func setupStartedGame(t *testing.T, srv *Server) (a, b *testClient, roomID string) {
	t.Helper()

	a = dialClient(t, srv)
	a.authenticate("alice", "pw")
	a.send(protocol.Message{Command: protocol.CmdCreateRoom, Name: "r1"})
	created := a.expect(protocol.ReplyRoomCreated)

	b = dialClient(t, srv)
	b.authenticate("bob", "pw")
	b.send(protocol.Message{Command: protocol.CmdJoinRoom, RoomID: created.RoomID})
	b.expect(protocol.ReplyJoinOK)

	a.send(protocol.Message{Command: protocol.CmdStartGame})
	a.expect(protocol.ReplyGameStarted)
	b.expect(protocol.ReplyGameStarted)
	return a, b, created.RoomID
}

func waitForEndpoint(t *testing.T, srv *Server, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, ok := srv.session(sessionID)
		return ok && sess.Endpoint() != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDatagram_UpdateFanOutReencrypted(t *testing.T) {
	srv := startServer(t, testConfig())
	a, b, _ := setupStartedGame(t, srv)

	ua := newUDPClient(t, srv, a.id)
	ub := newUDPClient(t, srv, b.id)

	// Prime the server with each client's endpoint.
	ub.sendEncrypted(updateDatagram(b.id, 60, -2, 0.8))
	waitForEndpoint(t, srv, b.id)
	ua.sendEncrypted(updateDatagram(a.id, 66, -2, 0.8))
	waitForEndpoint(t, srv, a.id)

	// A moves; B receives the update under B's own key.
	ua.sendEncrypted(updateDatagram(a.id, 65, -2, 0.9))

	var got protocol.Message
	for {
		got = ub.recvEncrypted()
		if got.Position != nil && got.Position.X == 65 {
			break
		}
	}
	assert.Equal(t, protocol.CmdUpdate, got.Command)
	assert.Equal(t, a.id, got.SessionID)
	assert.Equal(t, protocol.Vector3{X: 65, Y: -2, Z: 0.9}, *got.Position)
}

func TestDatagram_InputFanOut(t *testing.T) {
	srv := startServer(t, testConfig())
	a, b, roomID := setupStartedGame(t, srv)

	ua := newUDPClient(t, srv, a.id)
	ub := newUDPClient(t, srv, b.id)

	ub.sendEncrypted(updateDatagram(b.id, 60, -2, 0.8))
	waitForEndpoint(t, srv, b.id)

	ua.sendEncrypted(protocol.Message{
		Command:   protocol.CmdInput,
		SessionID: a.id,
		RoomID:    roomID,
		Input:     &protocol.InputState{Steering: 0.5, Throttle: 1},
		ClientID:  a.id,
	})

	got := ub.recvEncrypted()
	assert.Equal(t, protocol.CmdInput, got.Command)
	assert.Equal(t, a.id, got.SessionID)
	require.NotNil(t, got.Input)
	assert.InDelta(t, 0.5, got.Input.Steering, 1e-9)
	assert.InDelta(t, 1.0, got.Input.Throttle, 1e-9)
}

// securityEvents wires a manager whose events land on a channel.
func securityEvents(t *testing.T) (*security.Manager, <-chan security.Event) {
	t.Helper()
	ch := make(chan security.Event, 100)
	manager := security.NewManager(
		security.NewRateLimiter(security.WithRateLimits(1000, 1000, 10)),
		security.NewPacketValidator(),
		security.WithEventHook(func(evt security.Event) {
			select {
			case ch <- evt:
			default:
			}
		}),
	)
	return manager, ch
}

func waitForEvent(t *testing.T, ch <-chan security.Event, kind security.EventKind) security.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestDatagram_PlaintextFromAuthenticatedSenderRejected(t *testing.T) {
	manager, eventCh := securityEvents(t)
	srv := startServer(t, testConfig(), WithSecurityManager(manager))
	a, _, _ := setupStartedGame(t, srv)

	ua := newUDPClient(t, srv, a.id)
	ua.sendPlain(updateDatagram(a.id, 66, -2, 0.8))

	evt := waitForEvent(t, eventCh, security.EventPacketValidationFailed)
	assert.Equal(t, a.id, evt.ClientID)
	assert.Contains(t, evt.Description, "plaintext")
}

func TestDatagram_SessionIDMismatchRejected(t *testing.T) {
	manager, eventCh := securityEvents(t)
	srv := startServer(t, testConfig(), WithSecurityManager(manager))
	a, b, _ := setupStartedGame(t, srv)

	// Encrypted with A's key but claiming to be B.
	ua := newUDPClient(t, srv, a.id)
	ua.sendEncrypted(updateDatagram(b.id, 60, -2, 0.8))

	evt := waitForEvent(t, eventCh, security.EventPacketValidationFailed)
	assert.Equal(t, a.id, evt.ClientID)
	assert.Contains(t, evt.Description, "sessionId")
}

func TestDatagram_TeleportTriggersPhysicsViolation(t *testing.T) {
	manager, eventCh := securityEvents(t)
	srv := startServer(t, testConfig(), WithSecurityManager(manager))
	a, _, _ := setupStartedGame(t, srv)

	ua := newUDPClient(t, srv, a.id)
	ua.sendEncrypted(updateDatagram(a.id, 66, -2, 0.8))
	waitForEndpoint(t, srv, a.id)

	time.Sleep(50 * time.Millisecond)
	ua.sendEncrypted(updateDatagram(a.id, 600, -2, 0.8))

	evt := waitForEvent(t, eventCh, security.EventPhysicsViolation)
	assert.Equal(t, a.id, evt.ClientID)
}

func TestDatagram_RepeatedViolationsKick(t *testing.T) {
	manager, eventCh := securityEvents(t)
	srv := startServer(t, testConfig(), WithSecurityManager(manager))
	a, _, _ := setupStartedGame(t, srv)

	ua := newUDPClient(t, srv, a.id)
	for n := 0; n < 3; n++ {
		ua.sendPlain(updateDatagram(a.id, 66, -2, 0.8))
		time.Sleep(10 * time.Millisecond)
	}

	waitForEvent(t, eventCh, security.EventPlayerKicked)

	// The kicked session disappears from the registry and its control
	// channel drops.
	require.Eventually(t, func() bool {
		_, ok := srv.session(a.id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := a.r.ReadString('\n')
	assert.Error(t, err)
}
