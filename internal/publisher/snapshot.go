package publisher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/fritz-mqtt/internal/correlator"
)

// eventPayload is the JSON structure published per transition.
type eventPayload struct {
	Event        string   `json:"event"`
	Description  string   `json:"description"`
	SessionID    string   `json:"session_id"`
	ConnectionID string   `json:"connection_id"`
	Direction    string   `json:"direction"`
	Peer         endpoint `json:"peer"`
	LocalNumber  string   `json:"local_number,omitempty"`
	Device       string   `json:"device,omitempty"`
	Timestamp    string   `json:"timestamp"`
	StartedAt    string   `json:"started_at"`
	AcceptedAt   string   `json:"accepted_at,omitempty"`
	ClosedAt     string   `json:"closed_at,omitempty"`
	Duration     *int     `json:"duration_seconds,omitempty"`
}

type endpoint struct {
	Number string `json:"number"`
	Name   string `json:"name"`
	VIP    bool   `json:"vip"`
}

// lineAttributes mirrors the attributes of a phone line sensor: who is
// calling whom, on which device, and when the call was picked up / ended.
type lineAttributes struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	To        string `json:"to,omitempty"`
	ToName    string `json:"to_name,omitempty"`
	With      string `json:"with,omitempty"`
	WithName  string `json:"with_name,omitempty"`
	Device    string `json:"device,omitempty"`
	VIP       bool   `json:"vip"`
	Initiated string `json:"initiated,omitempty"`
	Accepted  string `json:"accepted,omitempty"`
	Closed    string `json:"closed,omitempty"`
	Duration  *int   `json:"duration,omitempty"`
}

var stateDescriptions = map[correlator.SessionState]string{
	correlator.StateRinging: "An incoming call is ringing",
	correlator.StateDialing: "An outgoing call is being dialed",
	correlator.StateTalking: "The call has been answered and parties are now connected",
	correlator.StateClosed:  "The call has ended",
}

// EventTopic is the per-transition topic for a session snapshot.
func EventTopic(prefix string, s correlator.Session) string {
	return fmt.Sprintf("%s/call/%s/%s", prefix, s.ID, s.State)
}

// LineStateTopic carries the retained line state. It follows the latest
// transition of any session, so with overlapping calls a DISCONNECT on one
// connection publishes idle even while another is still ringing or talking.
// Per-session state lives on the EventTopic.
func LineStateTopic(prefix string) string {
	return prefix + "/line/state"
}

// LineAttributesTopic carries the retained attributes of the session behind
// the latest transition.
func LineAttributesTopic(prefix string) string {
	return prefix + "/line/attributes"
}

// StatusTopic carries the retained availability of the bridge.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// LineState maps a session state to the state a phone line is in after
// that transition. A closed call leaves the line idle, regardless of other
// sessions still active.
func LineState(s correlator.SessionState) string {
	if s == correlator.StateClosed {
		return string(correlator.StateIdle)
	}
	return string(s)
}

// BuildMessages renders the MQTT messages for one snapshot: the event, the
// line state and the line attributes.
func BuildMessages(prefix string, s correlator.Session, now time.Time) ([]Message, error) {
	evt := eventPayload{
		Event:        string(s.State),
		Description:  stateDescriptions[s.State],
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		Direction:    string(s.Direction),
		Peer: endpoint{
			Number: s.Peer.Number,
			Name:   s.Peer.Name,
			VIP:    s.Peer.VIP,
		},
		LocalNumber: s.LocalNumber,
		Device:      s.Device,
		Timestamp:   formatTime(now),
		StartedAt:   formatTime(s.StartedAt),
		AcceptedAt:  formatTime(s.AcceptedAt),
		ClosedAt:    formatTime(s.ClosedAt),
	}
	if s.State == correlator.StateClosed {
		d := s.Duration
		evt.Duration = &d
	}

	evtData, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}
	attrData, err := json.Marshal(attributes(s))
	if err != nil {
		return nil, fmt.Errorf("marshaling line attributes: %w", err)
	}

	return []Message{
		{Topic: EventTopic(prefix, s), Payload: evtData},
		{Topic: LineStateTopic(prefix), Payload: []byte(LineState(s.State)), Retained: true},
		{Topic: LineAttributesTopic(prefix), Payload: attrData, Retained: true},
	}, nil
}

func attributes(s correlator.Session) lineAttributes {
	a := lineAttributes{
		Type:      string(s.Direction),
		Device:    s.Device,
		VIP:       s.Peer.VIP,
		Initiated: formatTime(s.StartedAt),
		Accepted:  formatTime(s.AcceptedAt),
		Closed:    formatTime(s.ClosedAt),
	}
	switch s.Direction {
	case correlator.DirectionIncoming:
		a.From, a.FromName = s.Peer.Number, s.Peer.Name
		a.To = s.LocalNumber
	case correlator.DirectionOutgoing:
		a.From = s.LocalNumber
		a.To, a.ToName = s.Peer.Number, s.Peer.Name
	}
	if s.Accepted() {
		a.With, a.WithName = s.Peer.Number, s.Peer.Name
	}
	if s.State == correlator.StateClosed {
		d := s.Duration
		a.Duration = &d
	}
	return a
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
