package raceserver

// SessionState is the state machine for a control-channel session.
type SessionState int

const (
	StateConnected     SessionState = iota // TCP+TLS established, greeting sent
	StateAuthenticated                     // name/password accepted
	StateInRoom                            // joined or created a room
	StateInGame                            // room's game started
	StateClosed                            // terminal
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateInRoom:
		return "IN_ROOM"
	case StateInGame:
		return "IN_GAME"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
