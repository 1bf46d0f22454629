package transport

import "github.com/pliu/adyx/internal/models"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Closed is terminal: the transport never dials again.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type EventKind int

const (
	// EventFrame carries a frame from the relay.
	EventFrame EventKind = iota
	// EventState reports a state transition.
	EventState
)

type Event struct {
	Kind  EventKind
	State State
	Frame *models.Frame
	// CloseCode is the relay's close code when the transport closed
	// because of it, otherwise zero.
	CloseCode int
	Err       error
}
