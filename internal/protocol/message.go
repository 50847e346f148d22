// Package protocol defines the JSON message model shared by the control
// channel (LF-delimited lines over TLS) and the datagram channel (AES-framed
// UDP packets).
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client commands.
const (
	CmdName           = "NAME"
	CmdAuthenticate   = "AUTHENTICATE"
	CmdCreateRoom     = "CREATE_ROOM"
	CmdJoinRoom       = "JOIN_ROOM"
	CmdLeaveRoom      = "LEAVE_ROOM"
	CmdStartGame      = "START_GAME"
	CmdListRooms      = "LIST_ROOMS"
	CmdGetRoomPlayers = "GET_ROOM_PLAYERS"
	CmdRelayMessage   = "RELAY_MESSAGE"
	CmdPlayerInfo     = "PLAYER_INFO"
	CmdPing           = "PING"
	CmdBye            = "BYE"

	// Datagram commands.
	CmdUpdate = "UPDATE"
	CmdInput  = "INPUT"
)

// Server replies.
const (
	ReplyNameOK         = "NAME_OK"
	ReplyAuthOK         = "AUTH_OK"
	ReplyAuthFailed     = "AUTH_FAILED"
	ReplyRoomCreated    = "ROOM_CREATED"
	ReplyJoinOK         = "JOIN_OK"
	ReplyLeaveOK        = "LEAVE_OK"
	ReplyGameStarted    = "GAME_STARTED"
	ReplyRoomList       = "ROOM_LIST"
	ReplyRoomPlayers    = "ROOM_PLAYERS"
	ReplyRelayOK        = "RELAY_OK"
	ReplyRelayedMessage = "RELAYED_MESSAGE"
	ReplyPlayerInfo     = "PLAYER_INFO"
	ReplyPong           = "PONG"
	ReplyByeOK          = "BYE_OK"
	ReplyError          = "ERROR"
	ReplyUnknownCommand = "UNKNOWN_COMMAND"
)

// Vector3 is a world-space position.
type Vector3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Quaternion is a rotation. The identity rotation is {0,0,0,1}.
type Quaternion struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

// Identity returns the identity quaternion.
func Identity() Quaternion {
	return Quaternion{W: 1}
}

// InputState carries one frame of car controls inside an INPUT datagram.
// Timestamp is optional client wall-clock milliseconds.
type InputState struct {
	Steering  float64  `json:"steering"`
	Throttle  float64  `json:"throttle"`
	Brake     float64  `json:"brake"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// RoomSummary is one entry of a ROOM_LIST reply.
type RoomSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PlayerCount int    `json:"playerCount"`
	IsActive    bool   `json:"isActive"`
	HostID      string `json:"hostId"`
}

// PlayerSummary is one entry of a ROOM_PLAYERS reply.
type PlayerSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PlayerDetails is the payload of a PLAYER_INFO reply.
type PlayerDetails struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CurrentRoomID string `json:"currentRoomId"`
}

// Message is the single wire shape for both directions of the control channel
// and for datagram payloads. Fields irrelevant to a given command are left at
// their zero value and omitted from the encoding; unknown fields on inbound
// messages are ignored.
//
// Authenticated and UDPEncryption are pointers because NAME_OK must carry
// them even when false.
type Message struct {
	Command         string             `json:"command"`
	Name            string             `json:"name,omitempty"`
	Password        string             `json:"password,omitempty"`
	RoomID          string             `json:"roomId,omitempty"`
	HostID          string             `json:"hostId,omitempty"`
	SessionID       string             `json:"sessionId,omitempty"`
	TargetID        string             `json:"targetId,omitempty"`
	SenderID        string             `json:"senderId,omitempty"`
	SenderName      string             `json:"senderName,omitempty"`
	ClientID        string             `json:"client_id,omitempty"`
	Text            string             `json:"message,omitempty"`
	OriginalCommand string             `json:"originalCommand,omitempty"`
	Authenticated   *bool              `json:"authenticated,omitempty"`
	UDPEncryption   *bool              `json:"udpEncryption,omitempty"`
	Rooms           []RoomSummary      `json:"rooms,omitempty"`
	Players         []PlayerSummary    `json:"players,omitempty"`
	PlayerInfo      *PlayerDetails     `json:"playerInfo,omitempty"`
	SpawnPositions  map[string]Vector3 `json:"spawnPositions,omitempty"`
	Position        *Vector3           `json:"position,omitempty"`
	Rotation        *Quaternion        `json:"rotation,omitempty"`
	Input           *InputState        `json:"input,omitempty"`
}

// Decode parses one JSON message from data.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// EncodeLine marshals msg and appends the LF terminator used by the control
// channel.
func EncodeLine(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return append(data, '\n'), nil
}

// Error builds the standard error reply.
func Error(text string) Message {
	return Message{Command: ReplyError, Text: text}
}

// Unknown builds the reply for an unrecognized command.
func Unknown(original string) Message {
	return Message{Command: ReplyUnknownCommand, OriginalCommand: original}
}

// Bool returns a pointer to b, for the NAME_OK flag fields.
func Bool(b bool) *bool {
	v := b
	return &v
}

// Greeting is the single non-JSON line the server writes immediately after
// the TLS handshake.
func Greeting(sessionID string) []byte {
	return []byte("CONNECTED|" + sessionID + "\n")
}
