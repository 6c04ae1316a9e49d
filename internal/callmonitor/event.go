package callmonitor

import (
	"fmt"
	"time"
)

// State is the keyword in the second field of a call-monitor line.
type State string

const (
	StateRing       State = "RING"
	StateCall       State = "CALL"
	StateConnect    State = "CONNECT"
	StateDisconnect State = "DISCONNECT"
)

// TimestampLayout is the format the router uses for the first field.
const TimestampLayout = "02.01.06 15:04:05"

// Event is one parsed call-monitor line. Which fields are populated
// depends on State:
//
//	RING        RemoteNumber (caller), LocalNumber (called), Device
//	CALL        LocalNumber (used line), RemoteNumber (callee), Device
//	CONNECT     Device, RemoteNumber (peer)
//	DISCONNECT  Duration
type Event struct {
	Timestamp    time.Time
	State        State
	ConnectionID string
	LocalNumber  string
	RemoteNumber string
	Device       string
	Duration     int // seconds, DISCONNECT only
	Raw          string
}

// ParseError reports a line that does not match the call-monitor format.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed call-monitor line %q: %s", e.Line, e.Reason)
}
