package raceserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"unicode/utf8"

	"github.com/udisondev/raceserver/internal/crypto"
	"github.com/udisondev/raceserver/internal/game"
	"github.com/udisondev/raceserver/internal/protocol"
)

// maxDatagramSize bounds one UDP read. Game payloads stay well under the
// usual 1400-byte MTU budget.
const maxDatagramSize = 2048

// receiveDatagrams is the single UDP receive loop. Each datagram is handled
// to completion before the next read, which preserves per-sender ordering of
// position updates.
func (s *Server) receiveDatagrams(ctx context.Context, conn *net.UDPConn) {
	for {
		buf := s.pool.Get(maxDatagramSize)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.pool.Put(buf)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("udp read failed", "err", err)
			continue
		}
		s.handleDatagram(conn, buf[:n], addr)
		s.pool.Put(buf)
	}
}

// handleDatagram attributes one datagram to a session and dispatches it.
// Undeliverable or malformed datagrams are dropped; datagrams are unreliable
// and the client never gets an error reply on this channel.
func (s *Server) handleDatagram(conn *net.UDPConn, data []byte, addr *net.UDPAddr) {
	if crypto.IsFramed(data) {
		if sess, plaintext, ok := s.matchSender(data); ok {
			s.processDatagram(conn, sess, plaintext, addr)
			return
		}
		// Not decryptable by any session: fall through to the legacy parse.
	}

	payload := bytes.TrimRight(data, "\n")
	msg, err := protocol.Decode(payload)
	if err != nil {
		slog.Debug("dropping unparseable datagram", "remote", addr, "len", len(data))
		return
	}
	sess, ok := s.session(msg.SessionID)
	if !ok {
		slog.Debug("dropping datagram for unknown session", "remote", addr, "session", msg.SessionID)
		return
	}
	if sess.Authenticated() {
		// Encryption is mandatory once the session has a cipher.
		s.security.RecordViolation(sess.id, "plaintext datagram from encrypted session")
		if s.security.ShouldKick(sess.id) {
			s.kick(sess)
		}
		return
	}
	s.processDatagram(conn, sess, payload, addr)
}

// matchSender finds the session whose cipher decrypts the frame to valid
// UTF-8 JSON. The sender's identity is implied by which key works.
func (s *Server) matchSender(frame []byte) (sender *Session, plaintext []byte, ok bool) {
	s.sessions.Range(func(_, value any) bool {
		sess := value.(*Session)
		cipher := sess.Cipher()
		if cipher == nil {
			return true
		}
		decrypted, err := cipher.Decrypt(frame)
		if err != nil || !utf8.Valid(decrypted) || !json.Valid(decrypted) {
			return true
		}
		sender = sess
		plaintext = decrypted
		ok = true
		return false
	})
	return sender, plaintext, ok
}

// processDatagram runs the security pipeline and dispatches UPDATE and INPUT
// payloads for an attributed sender.
func (s *Server) processDatagram(conn *net.UDPConn, sess *Session, plaintext []byte, addr *net.UDPAddr) {
	msg, err := protocol.Decode(plaintext)
	if err != nil {
		slog.Debug("dropping undecodable datagram", "session", sess.id, "err", err)
		return
	}
	if msg.SessionID != sess.id {
		s.security.RecordViolation(sess.id, "datagram sessionId does not match sender")
		if s.security.ShouldKick(sess.id) {
			s.kick(sess)
		}
		return
	}

	if res := s.security.CheckDatagram(sess.id, msg); !res.Valid {
		slog.Debug("datagram rejected", "session", sess.id, "reason", res.Reason)
		if s.security.ShouldKick(sess.id) {
			s.kick(sess)
		}
		return
	}

	sess.touch()
	sess.setEndpoint(addr)

	switch msg.Command {
	case protocol.CmdUpdate:
		s.handleUpdate(conn, sess, msg, plaintext, addr)
	case protocol.CmdInput:
		s.handleInput(conn, sess, msg, plaintext)
	}
}

// handleUpdate caches the sender's transform in its room and fans the packet
// out to the other members.
func (s *Server) handleUpdate(conn *net.UDPConn, sess *Session, msg protocol.Message, plaintext []byte, addr *net.UDPAddr) {
	roomID := sess.RoomID()
	if roomID == "" {
		return
	}
	room, ok := s.room(roomID)
	if !ok {
		return
	}

	pos := protocol.Vector3{}
	if msg.Position != nil {
		pos = *msg.Position
	}
	rot := protocol.Identity()
	if msg.Rotation != nil {
		rot = *msg.Rotation
	}
	if err := room.UpdatePosition(sess.id, pos, rot); err != nil {
		return
	}
	room.SetEndpoint(sess.id, addr)

	s.fanOut(conn, room, sess.id, plaintext)
}

// handleInput relays a control-input packet to the other members of the room
// named in the payload. The sender must belong to that room.
func (s *Server) handleInput(conn *net.UDPConn, sess *Session, msg protocol.Message, plaintext []byte) {
	room, ok := s.room(msg.RoomID)
	if !ok || !room.Contains(sess.id) {
		return
	}
	s.fanOut(conn, room, sess.id, plaintext)
}

// fanOut sends plaintext to every room member except the sender. Each
// recipient gets the payload under its own cipher; recipients without a
// cipher get it as-is, recipients without a learned endpoint are skipped.
// Sends are best-effort.
func (s *Server) fanOut(conn *net.UDPConn, room *game.Room, senderID string, plaintext []byte) {
	for _, member := range room.Members() {
		if member.ID == senderID {
			continue
		}
		recipient, ok := s.session(member.ID)
		if !ok {
			continue
		}
		endpoint := recipient.Endpoint()
		if endpoint == nil {
			continue
		}

		packet := plaintext
		if cipher := recipient.Cipher(); cipher != nil {
			packet = cipher.Encrypt(plaintext)
		}
		if _, err := conn.WriteToUDP(packet, endpoint); err != nil {
			slog.Debug("datagram send failed", "session", member.ID, "err", err)
		}
	}
}
