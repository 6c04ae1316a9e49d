package correlator

import (
	"time"

	"github.com/sweeney/fritz-mqtt/internal/phonebook"
)

// SessionState is the lifecycle state of a call session.
type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateRinging SessionState = "ringing"
	StateDialing SessionState = "dialing"
	StateTalking SessionState = "talking"
	StateClosed  SessionState = "closed"
)

// rank orders states so transitions can only move forward.
func (s SessionState) rank() int {
	switch s {
	case StateRinging, StateDialing:
		return 1
	case StateTalking:
		return 2
	case StateClosed:
		return 3
	default:
		return 0
	}
}

// Direction tells who placed the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	// DirectionUnknown marks a session first seen at CONNECT.
	DirectionUnknown Direction = "unknown"
)

// Session is a snapshot of one call. Zero times mean "not yet".
type Session struct {
	ID           string            `json:"session_id"`
	ConnectionID string            `json:"connection_id"`
	Direction    Direction         `json:"direction"`
	State        SessionState      `json:"state"`
	Peer         phonebook.Contact `json:"peer"`
	LocalNumber  string            `json:"local_number,omitempty"`
	Device       string            `json:"device,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	AcceptedAt   time.Time         `json:"accepted_at,omitzero"`
	ClosedAt     time.Time         `json:"closed_at,omitzero"`
	Duration     int               `json:"duration_seconds"`
}

// Accepted reports whether the call was picked up.
func (s Session) Accepted() bool {
	return !s.AcceptedAt.IsZero()
}
