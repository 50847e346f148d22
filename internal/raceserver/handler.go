package raceserver

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/raceserver/internal/events"
	"github.com/udisondev/raceserver/internal/game"
	"github.com/udisondev/raceserver/internal/protocol"
)

// Error texts sent to clients. The deployed clients match on some of these
// verbatim, so they are part of the wire contract.
const (
	errAuthRequired = "Authentication required. Set a name with a password first."
	errNoRoom       = "No room joined"
	errNotHost      = "Cannot start game. Only the host can start the game."
	errRoomNotFound = "Room not found"
	errAlreadyIn    = "Already in a room. Leave the current room first."
	errNameRequired = "Name is required"
	errRoomName     = "Room name is required"
	errNoTarget     = "Target player not found"
)

// authExempt lists the commands allowed before authentication.
var authExempt = map[string]bool{
	protocol.CmdName:         true,
	protocol.CmdAuthenticate: true,
	protocol.CmdPing:         true,
	protocol.CmdBye:          true,
	protocol.CmdPlayerInfo:   true,
	protocol.CmdListRooms:    true,
}

// dispatch routes one control-channel message. The returned flag tells the
// session's read loop to stop (BYE, or a failed write already closed the
// connection).
func (srv *Server) dispatch(s *Session, msg protocol.Message) bool {
	if !authExempt[msg.Command] && !s.Authenticated() {
		s.send(protocol.Error(errAuthRequired))
		return false
	}

	switch msg.Command {
	case protocol.CmdName:
		srv.handleName(s, msg)
	case protocol.CmdAuthenticate:
		srv.handleAuthenticate(s, msg)
	case protocol.CmdCreateRoom:
		srv.handleCreateRoom(s, msg)
	case protocol.CmdJoinRoom:
		srv.handleJoinRoom(s, msg)
	case protocol.CmdLeaveRoom:
		srv.handleLeaveRoom(s)
	case protocol.CmdStartGame:
		srv.handleStartGame(s)
	case protocol.CmdListRooms:
		srv.handleListRooms(s)
	case protocol.CmdGetRoomPlayers:
		srv.handleGetRoomPlayers(s)
	case protocol.CmdRelayMessage:
		srv.handleRelayMessage(s, msg)
	case protocol.CmdPlayerInfo:
		srv.handlePlayerInfo(s)
	case protocol.CmdPing:
		s.send(protocol.Message{Command: protocol.ReplyPong})
	case protocol.CmdBye:
		s.send(protocol.Message{Command: protocol.ReplyByeOK})
		return true
	default:
		s.send(protocol.Unknown(msg.Command))
	}
	return false
}

// handleName sets the display name and, when a password is supplied, runs
// trust-on-first-use authentication. Success instantiates the session's
// datagram cipher.
func (srv *Server) handleName(s *Session, msg protocol.Message) {
	if msg.Name == "" {
		s.send(protocol.Error(errNameRequired))
		return
	}
	s.setName(msg.Name)

	if msg.Password == "" {
		s.send(protocol.Message{
			Command:       protocol.ReplyNameOK,
			Name:          msg.Name,
			Authenticated: protocol.Bool(false),
			UDPEncryption: protocol.Bool(false),
		})
		return
	}

	if !srv.accounts.Authenticate(msg.Name, msg.Password) {
		slog.Info("authentication failed", "session", s.id, "name", msg.Name)
		s.send(protocol.Message{Command: protocol.ReplyAuthFailed, Name: msg.Name})
		return
	}
	if err := s.authenticate(); err != nil {
		slog.Error("cipher setup failed", "session", s.id, "err", err)
		s.send(protocol.Error("Internal server error"))
		return
	}

	slog.Info("session authenticated", "session", s.id, "name", msg.Name)
	s.send(protocol.Message{
		Command:       protocol.ReplyNameOK,
		Name:          msg.Name,
		Authenticated: protocol.Bool(true),
		UDPEncryption: protocol.Bool(true),
	})
}

// handleAuthenticate re-verifies the password against the name set by a
// prior NAME command.
func (srv *Server) handleAuthenticate(s *Session, msg protocol.Message) {
	name := s.Name()
	if msg.Password == "" || !srv.accounts.Known(name) ||
		!srv.accounts.Authenticate(name, msg.Password) {
		s.send(protocol.Message{Command: protocol.ReplyAuthFailed, Name: name})
		return
	}
	if err := s.authenticate(); err != nil {
		slog.Error("cipher setup failed", "session", s.id, "err", err)
		s.send(protocol.Error("Internal server error"))
		return
	}
	s.send(protocol.Message{Command: protocol.ReplyAuthOK, Name: name})
}

func (srv *Server) handleCreateRoom(s *Session, msg protocol.Message) {
	if msg.Name == "" {
		s.send(protocol.Error(errRoomName))
		return
	}
	if s.RoomID() != "" {
		s.send(protocol.Error(errAlreadyIn))
		return
	}

	host := &game.Player{ID: s.id, Name: s.Name()}
	room := game.NewRoom(uuid.NewString(), msg.Name, host,
		game.WithMaxPlayers(srv.cfg.MaxPlayersPerRoom))
	srv.rooms.Store(room.ID, room)
	s.setRoom(room.ID, StateInRoom)

	slog.Info("room created", "room", room.ID, "name", room.Name, "host", s.id)
	srv.sink.LogRoomActivity(events.RoomEvent{
		Time:      time.Now(),
		RoomID:    room.ID,
		SessionID: s.id,
		Action:    "created",
		Detail:    room.Name,
	})
	s.send(protocol.Message{
		Command: protocol.ReplyRoomCreated,
		RoomID:  room.ID,
		Name:    room.Name,
	})
}

func (srv *Server) handleJoinRoom(s *Session, msg protocol.Message) {
	if s.RoomID() != "" {
		s.send(protocol.Error(errAlreadyIn))
		return
	}
	room, ok := srv.room(msg.RoomID)
	if !ok {
		s.send(protocol.Error(errRoomNotFound))
		return
	}

	if err := room.TryAdd(&game.Player{ID: s.id, Name: s.Name()}); err != nil {
		s.send(protocol.Error(joinErrorText(err)))
		return
	}
	s.setRoom(room.ID, StateInRoom)

	slog.Info("player joined room", "room", room.ID, "session", s.id)
	srv.sink.LogRoomActivity(events.RoomEvent{
		Time:      time.Now(),
		RoomID:    room.ID,
		SessionID: s.id,
		Action:    "joined",
	})
	s.send(protocol.Message{Command: protocol.ReplyJoinOK, RoomID: room.ID})
}

func joinErrorText(err error) string {
	switch {
	case errors.Is(err, game.ErrRoomFull):
		return "Room is full"
	case errors.Is(err, game.ErrRoomActive):
		return "Game already in progress"
	case errors.Is(err, game.ErrAlreadyMember):
		return errAlreadyIn
	default:
		return "Cannot join room"
	}
}

func (srv *Server) handleLeaveRoom(s *Session) {
	roomID := s.RoomID()
	if roomID == "" {
		s.send(protocol.Error(errNoRoom))
		return
	}
	srv.leaveRoom(s, roomID)
	s.send(protocol.Message{Command: protocol.ReplyLeaveOK, RoomID: roomID})
}

// leaveRoom removes the session from its room and handles host transfer and
// empty-room cleanup. Shared by LEAVE_ROOM and disconnection.
func (srv *Server) leaveRoom(s *Session, roomID string) {
	s.setRoom("", StateAuthenticated)

	room, ok := srv.room(roomID)
	if !ok {
		return
	}
	newHost, empty, err := room.TryRemove(s.id)
	if err != nil {
		return
	}

	srv.sink.LogRoomActivity(events.RoomEvent{
		Time:      time.Now(),
		RoomID:    roomID,
		SessionID: s.id,
		Action:    "left",
	})

	switch {
	case empty && !room.IsActive():
		srv.rooms.Delete(roomID)
		slog.Info("room deleted", "room", roomID)
		srv.sink.LogRoomActivity(events.RoomEvent{
			Time:   time.Now(),
			RoomID: roomID,
			Action: "deleted",
		})
	case newHost != "":
		slog.Info("host transferred", "room", roomID, "host", newHost)
		srv.sink.LogRoomActivity(events.RoomEvent{
			Time:      time.Now(),
			RoomID:    roomID,
			SessionID: newHost,
			Action:    "host_transfer",
		})
	}
}

func (srv *Server) handleStartGame(s *Session) {
	roomID := s.RoomID()
	if roomID == "" {
		s.send(protocol.Error(errNoRoom))
		return
	}
	room, ok := srv.room(roomID)
	if !ok {
		s.send(protocol.Error(errRoomNotFound))
		return
	}
	if room.HostID() != s.id {
		s.send(protocol.Error(errNotHost))
		return
	}

	spawns := room.StartGame()
	slog.Info("game started", "room", roomID, "host", s.id, "players", len(spawns))
	srv.sink.LogRoomActivity(events.RoomEvent{
		Time:      time.Now(),
		RoomID:    roomID,
		SessionID: s.id,
		Action:    "started",
	})

	started := protocol.Message{
		Command:        protocol.ReplyGameStarted,
		RoomID:         roomID,
		HostID:         room.HostID(),
		SpawnPositions: spawns,
	}
	for id := range spawns {
		member, ok := srv.session(id)
		if !ok {
			continue
		}
		member.setRoom(roomID, StateInGame)
		if err := member.send(started); err != nil {
			slog.Warn("game start broadcast failed", "room", roomID, "session", id, "err", err)
		}
	}
}

func (srv *Server) handleListRooms(s *Session) {
	var rooms []protocol.RoomSummary
	srv.rooms.Range(func(_, value any) bool {
		rooms = append(rooms, value.(*game.Room).Summary())
		return true
	})
	s.send(protocol.Message{Command: protocol.ReplyRoomList, Rooms: rooms})
}

func (srv *Server) handleGetRoomPlayers(s *Session) {
	roomID := s.RoomID()
	if roomID == "" {
		s.send(protocol.Error(errNoRoom))
		return
	}
	room, ok := srv.room(roomID)
	if !ok {
		s.send(protocol.Error(errRoomNotFound))
		return
	}
	s.send(protocol.Message{
		Command: protocol.ReplyRoomPlayers,
		RoomID:  roomID,
		Players: room.PlayerList(),
	})
}

func (srv *Server) handleRelayMessage(s *Session, msg protocol.Message) {
	target, ok := srv.session(msg.TargetID)
	if !ok {
		s.send(protocol.Error(errNoTarget))
		return
	}
	target.send(protocol.Message{
		Command:    protocol.ReplyRelayedMessage,
		SenderID:   s.id,
		SenderName: s.Name(),
		Text:       msg.Text,
	})
	s.send(protocol.Message{Command: protocol.ReplyRelayOK, TargetID: msg.TargetID})
}

func (srv *Server) handlePlayerInfo(s *Session) {
	s.send(protocol.Message{
		Command: protocol.ReplyPlayerInfo,
		PlayerInfo: &protocol.PlayerDetails{
			ID:            s.id,
			Name:          s.Name(),
			CurrentRoomID: s.RoomID(),
		},
	})
}
