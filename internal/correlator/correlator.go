package correlator

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/fritz-mqtt/internal/callmonitor"
	"github.com/sweeney/fritz-mqtt/internal/phonebook"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Resolver maps a phone number to a contact.
type Resolver interface {
	Lookup(number string) phonebook.Contact
}

// Correlator tracks call-monitor events per connection id and returns a
// Session snapshot for every state transition. It is not safe for
// concurrent use; a single consumer owns it.
type Correlator struct {
	sessions map[string]*Session // keyed by connection id
	resolver Resolver
	clock    Clock
	newID    func() string
	log      logrus.FieldLogger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock sets the time source for the correlator.
func WithClock(c Clock) Option {
	return func(corr *Correlator) { corr.clock = c }
}

// WithLogger sets the logger used for ignored events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(corr *Correlator) { corr.log = l }
}

// WithIDGenerator overrides how session ids are minted.
func WithIDGenerator(f func() string) Option {
	return func(corr *Correlator) { corr.newID = f }
}

// New creates a Correlator resolving peers through r. A nil resolver
// leaves every peer unknown.
func New(r Resolver, opts ...Option) *Correlator {
	c := &Correlator{
		sessions: make(map[string]*Session),
		resolver: r,
		clock:    time.Now,
		newID:    uuid.NewString,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "correlator")
	return c
}

// Process ingests an event and returns the resulting snapshot, if any.
// Events that do not match a transition return nil.
func (c *Correlator) Process(evt callmonitor.Event) []Session {
	switch evt.State {
	case callmonitor.StateRing:
		return c.open(evt, DirectionIncoming, StateRinging)
	case callmonitor.StateCall:
		return c.open(evt, DirectionOutgoing, StateDialing)
	case callmonitor.StateConnect:
		return c.handleConnect(evt)
	case callmonitor.StateDisconnect:
		return c.handleDisconnect(evt)
	default:
		return nil
	}
}

// ActiveCalls returns the number of calls currently being tracked.
func (c *Correlator) ActiveCalls() int {
	return len(c.sessions)
}

// Reset drops every active session without emitting anything. Used when
// the monitor stops and no closing information will arrive.
func (c *Correlator) Reset() int {
	n := len(c.sessions)
	clear(c.sessions)
	return n
}

func (c *Correlator) open(evt callmonitor.Event, dir Direction, state SessionState) []Session {
	if s, exists := c.sessions[evt.ConnectionID]; exists {
		c.log.WithFields(logrus.Fields{
			"connection_id": evt.ConnectionID,
			"event":         evt.State,
			"state":         s.State,
		}).Warn("ignoring new call for a connection id that is still active")
		return nil
	}

	s := &Session{
		ID:           c.newID(),
		ConnectionID: evt.ConnectionID,
		Direction:    dir,
		State:        state,
		Peer:         c.lookup(evt.RemoteNumber),
		LocalNumber:  evt.LocalNumber,
		Device:       evt.Device,
		StartedAt:    c.clock(),
	}
	c.sessions[evt.ConnectionID] = s
	return []Session{*s}
}

func (c *Correlator) handleConnect(evt callmonitor.Event) []Session {
	now := c.clock()
	s, exists := c.sessions[evt.ConnectionID]
	if !exists {
		// The RING/CALL line was missed, e.g. across a reconnect.
		s = &Session{
			ID:           c.newID(),
			ConnectionID: evt.ConnectionID,
			Direction:    DirectionUnknown,
			State:        StateTalking,
			Peer:         c.lookup(evt.RemoteNumber),
			Device:       evt.Device,
			StartedAt:    now,
			AcceptedAt:   now,
		}
		c.sessions[evt.ConnectionID] = s
		return []Session{*s}
	}

	if !c.advance(s, StateTalking, evt) {
		return nil
	}
	s.AcceptedAt = now
	if evt.Device != "" {
		s.Device = evt.Device
	}
	return []Session{*s}
}

func (c *Correlator) handleDisconnect(evt callmonitor.Event) []Session {
	s, exists := c.sessions[evt.ConnectionID]
	if !exists {
		c.log.WithField("connection_id", evt.ConnectionID).Debug("ignoring disconnect without an active call")
		return nil
	}
	if !c.advance(s, StateClosed, evt) {
		return nil
	}
	s.ClosedAt = c.clock()
	s.Duration = evt.Duration

	delete(c.sessions, evt.ConnectionID)
	return []Session{*s}
}

// advance moves s to next if that is a forward transition.
func (c *Correlator) advance(s *Session, next SessionState, evt callmonitor.Event) bool {
	if next.rank() <= s.State.rank() {
		c.log.WithFields(logrus.Fields{
			"connection_id": s.ConnectionID,
			"event":         evt.State,
			"state":         s.State,
		}).Debug("ignoring event that would not advance the call")
		return false
	}
	s.State = next
	return true
}

func (c *Correlator) lookup(number string) phonebook.Contact {
	if c.resolver == nil {
		return phonebook.Unknown(number)
	}
	return c.resolver.Lookup(number)
}
