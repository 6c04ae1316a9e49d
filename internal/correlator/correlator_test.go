package correlator_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/fritz-mqtt/internal/callmonitor"
	"github.com/sweeney/fritz-mqtt/internal/correlator"
	"github.com/sweeney/fritz-mqtt/internal/phonebook"
)

func fixturesDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures")
}

func loadRawFixture(t *testing.T, name string) []callmonitor.Event {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir(), name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	events, _ := callmonitor.ParseBytes(data)
	return events
}

func testPhonebook() *phonebook.Index {
	return phonebook.Build([]phonebook.Entry{
		{Name: "Anna", Numbers: []string{"+4915771234567"}, VIP: true},
		{Name: "Bernd", Numbers: []string{"+49301234567"}},
	}, []string{"+49"})
}

// sequentialIDs mints session-1, session-2, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
}

func newCorrelator(opts ...correlator.Option) *correlator.Correlator {
	opts = append([]correlator.Option{correlator.WithIDGenerator(sequentialIDs())}, opts...)
	return correlator.New(testPhonebook(), opts...)
}

func processAll(t *testing.T, c *correlator.Correlator, events []callmonitor.Event) []correlator.Session {
	t.Helper()
	var snapshots []correlator.Session
	for _, evt := range events {
		snapshots = append(snapshots, c.Process(evt)...)
	}
	return snapshots
}

func event(state callmonitor.State, id string, fill func(*callmonitor.Event)) callmonitor.Event {
	evt := callmonitor.Event{State: state, ConnectionID: id}
	if fill != nil {
		fill(&evt)
	}
	return evt
}

// --- Answered incoming call ---

func TestIncomingAnswered(t *testing.T) {
	snapshots := processAll(t, newCorrelator(), loadRawFixture(t, "incoming-answered.raw"))

	if len(snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snapshots))
	}

	assertState(t, snapshots[0], correlator.StateRinging, "session-1")
	assertPeer(t, snapshots[0], "Anna", "+4915771234567")
	if !snapshots[0].Peer.VIP {
		t.Error("expected Anna to be flagged as VIP")
	}
	if snapshots[0].LocalNumber != "069123456" {
		t.Errorf("expected local_number=069123456, got %s", snapshots[0].LocalNumber)
	}

	assertState(t, snapshots[1], correlator.StateTalking, "session-1")
	if !snapshots[1].Accepted() {
		t.Error("expected talking snapshot to be accepted")
	}

	assertState(t, snapshots[2], correlator.StateClosed, "session-1")
	if snapshots[2].Duration != 37 {
		t.Errorf("expected duration=37, got %d", snapshots[2].Duration)
	}
	for i, s := range snapshots {
		if s.Direction != correlator.DirectionIncoming {
			t.Errorf("snapshot[%d]: expected direction=incoming, got %s", i, s.Direction)
		}
	}
}

// --- Answered outgoing call ---

func TestOutgoingAnswered(t *testing.T) {
	snapshots := processAll(t, newCorrelator(), loadRawFixture(t, "outgoing-answered.raw"))

	if len(snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snapshots))
	}

	assertState(t, snapshots[0], correlator.StateDialing, "session-1")
	assertPeer(t, snapshots[0], "Bernd", "+49301234567")
	if snapshots[0].Direction != correlator.DirectionOutgoing {
		t.Errorf("expected direction=outgoing, got %s", snapshots[0].Direction)
	}
	if snapshots[0].Device != "SIP0" {
		t.Errorf("expected device=SIP0, got %s", snapshots[0].Device)
	}

	assertState(t, snapshots[1], correlator.StateTalking, "session-1")
	if snapshots[1].Device != "11" {
		t.Errorf("expected CONNECT to update device to 11, got %s", snapshots[1].Device)
	}

	assertState(t, snapshots[2], correlator.StateClosed, "session-1")
	if snapshots[2].Duration != 120 {
		t.Errorf("expected duration=120, got %d", snapshots[2].Duration)
	}
}

// --- Missed call ---

func TestMissedCall(t *testing.T) {
	snapshots := processAll(t, newCorrelator(), loadRawFixture(t, "missed-call.raw"))

	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots (ringing + closed), got %d", len(snapshots))
	}

	assertState(t, snapshots[0], correlator.StateRinging, "session-1")
	assertPeer(t, snapshots[0], phonebook.UnknownName, "+4940555000")

	assertState(t, snapshots[1], correlator.StateClosed, "session-1")
	if snapshots[1].Accepted() {
		t.Error("expected missed call to be unaccepted")
	}
	if snapshots[1].Duration != 0 {
		t.Errorf("expected zero duration, got %d", snapshots[1].Duration)
	}
}

// --- Live session with interleaved calls and noise ---

func TestLiveSession(t *testing.T) {
	c := newCorrelator()
	snapshots := processAll(t, c, loadRawFixture(t, "live-session.raw"))

	expected := []struct {
		id    string
		conn  string
		state correlator.SessionState
	}{
		{"session-1", "0", correlator.StateRinging},
		{"session-2", "1", correlator.StateDialing},
		{"session-1", "0", correlator.StateTalking},
		{"session-2", "1", correlator.StateClosed},
		{"session-1", "0", correlator.StateClosed},
		{"session-3", "0", correlator.StateRinging},
		{"session-3", "0", correlator.StateClosed},
		{"session-4", "2", correlator.StateTalking},
	}

	if len(snapshots) != len(expected) {
		t.Fatalf("expected %d snapshots from live session, got %d", len(expected), len(snapshots))
	}
	for i, exp := range expected {
		s := snapshots[i]
		if s.ID != exp.id || s.ConnectionID != exp.conn || s.State != exp.state {
			t.Errorf("snapshot[%d]: expected %s/%s/%s, got %s/%s/%s",
				i, exp.id, exp.conn, exp.state, s.ID, s.ConnectionID, s.State)
		}
	}

	if snapshots[4].Duration != 26 {
		t.Errorf("expected first call on connection 0 to last 26s, got %d", snapshots[4].Duration)
	}
	if snapshots[7].Direction != correlator.DirectionUnknown {
		t.Errorf("expected orphan CONNECT to have unknown direction, got %s", snapshots[7].Direction)
	}
	if c.ActiveCalls() != 1 {
		t.Errorf("expected 1 active call at end of session, got %d", c.ActiveCalls())
	}
}

// --- Edge cases ---

func TestStrayDisconnectIsIgnored(t *testing.T) {
	c := newCorrelator()
	snapshots := c.Process(event(callmonitor.StateDisconnect, "3", func(e *callmonitor.Event) { e.Duration = 12 }))
	if len(snapshots) != 0 {
		t.Errorf("expected no snapshots for unknown connection, got %d", len(snapshots))
	}
	if c.ActiveCalls() != 0 {
		t.Errorf("expected no active calls, got %d", c.ActiveCalls())
	}
}

func TestRingOnActiveConnectionIsIgnored(t *testing.T) {
	c := newCorrelator()
	first := c.Process(event(callmonitor.StateRing, "0", func(e *callmonitor.Event) { e.RemoteNumber = "015771234567" }))
	second := c.Process(event(callmonitor.StateRing, "0", func(e *callmonitor.Event) { e.RemoteNumber = "0301234567" }))
	third := c.Process(event(callmonitor.StateCall, "0", nil))

	if len(first) != 1 {
		t.Error("expected first RING to emit")
	}
	if len(second) != 0 || len(third) != 0 {
		t.Error("expected RING/CALL on a live connection to be ignored")
	}

	closed := c.Process(event(callmonitor.StateDisconnect, "0", nil))
	if len(closed) != 1 {
		t.Fatal("expected DISCONNECT to close the original call")
	}
	assertPeer(t, closed[0], "Anna", "+4915771234567")
}

func TestDuplicateConnectIgnored(t *testing.T) {
	c := newCorrelator()
	c.Process(event(callmonitor.StateRing, "0", nil))

	first := c.Process(event(callmonitor.StateConnect, "0", nil))
	second := c.Process(event(callmonitor.StateConnect, "0", nil))

	if len(first) != 1 {
		t.Error("expected first CONNECT to emit talking")
	}
	if len(second) != 0 {
		t.Error("expected duplicate CONNECT to be ignored")
	}
}

func TestConnectWithoutRing(t *testing.T) {
	c := newCorrelator()
	snapshots := c.Process(event(callmonitor.StateConnect, "5", func(e *callmonitor.Event) {
		e.Device = "SIP2"
		e.RemoteNumber = "0301234567"
	}))

	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	s := snapshots[0]
	assertState(t, s, correlator.StateTalking, "session-1")
	assertPeer(t, s, "Bernd", "+49301234567")
	if s.Direction != correlator.DirectionUnknown {
		t.Errorf("expected direction=unknown, got %s", s.Direction)
	}
	if !s.Accepted() {
		t.Error("expected session opened at CONNECT to be accepted")
	}
}

func TestDisconnectCleansUpState(t *testing.T) {
	c := newCorrelator()

	c.Process(event(callmonitor.StateRing, "0", nil))
	if c.ActiveCalls() != 1 {
		t.Fatalf("expected 1 active call, got %d", c.ActiveCalls())
	}

	c.Process(event(callmonitor.StateDisconnect, "0", nil))
	if c.ActiveCalls() != 0 {
		t.Fatalf("expected 0 active calls after disconnect, got %d", c.ActiveCalls())
	}

	// Connection ids are reused by the router; the next call is a new session.
	snapshots := c.Process(event(callmonitor.StateCall, "0", func(e *callmonitor.Event) { e.RemoteNumber = "0301234567" }))
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot for reused connection id, got %d", len(snapshots))
	}
	assertState(t, snapshots[0], correlator.StateDialing, "session-2")
}

func TestStateTransitionOrdering(t *testing.T) {
	tests := []struct {
		name     string
		fixture  string
		expected []correlator.SessionState
	}{
		{"incoming", "incoming-answered.raw", []correlator.SessionState{
			correlator.StateRinging, correlator.StateTalking, correlator.StateClosed,
		}},
		{"outgoing", "outgoing-answered.raw", []correlator.SessionState{
			correlator.StateDialing, correlator.StateTalking, correlator.StateClosed,
		}},
		{"missed", "missed-call.raw", []correlator.SessionState{
			correlator.StateRinging, correlator.StateClosed,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshots := processAll(t, newCorrelator(), loadRawFixture(t, tt.fixture))
			if len(snapshots) != len(tt.expected) {
				t.Fatalf("expected %d snapshots, got %d", len(tt.expected), len(snapshots))
			}
			for i, exp := range tt.expected {
				if snapshots[i].State != exp {
					t.Errorf("snapshot[%d]: expected %s, got %s", i, exp, snapshots[i].State)
				}
			}
		})
	}
}

func TestStatesNeverMoveBackwards(t *testing.T) {
	rank := map[correlator.SessionState]int{
		correlator.StateRinging: 1,
		correlator.StateDialing: 1,
		correlator.StateTalking: 2,
		correlator.StateClosed:  3,
	}

	snapshots := processAll(t, newCorrelator(), loadRawFixture(t, "live-session.raw"))
	last := map[string]correlator.SessionState{}
	for i, s := range snapshots {
		if prev, ok := last[s.ID]; ok && rank[s.State] <= rank[prev] {
			t.Errorf("snapshot[%d]: session %s moved from %s to %s", i, s.ID, prev, s.State)
		}
		last[s.ID] = s.State
	}
}

// --- Deterministic timestamps (using injectable clock) ---

func TestDeterministicTimestamps(t *testing.T) {
	start := time.Date(2026, 10, 14, 9, 15, 2, 0, time.UTC)
	now := start
	c := newCorrelator(correlator.WithClock(func() time.Time { return now }))

	changes := c.Process(event(callmonitor.StateRing, "0", nil))
	if len(changes) != 1 || !changes[0].StartedAt.Equal(start) {
		t.Fatal("expected ringing snapshot stamped with start time")
	}

	now = now.Add(5 * time.Second)
	changes = c.Process(event(callmonitor.StateConnect, "0", nil))
	if len(changes) != 1 || !changes[0].AcceptedAt.Equal(start.Add(5*time.Second)) {
		t.Fatal("expected talking snapshot accepted at t=5s")
	}

	now = now.Add(30 * time.Second)
	changes = c.Process(event(callmonitor.StateDisconnect, "0", func(e *callmonitor.Event) { e.Duration = 30 }))
	if len(changes) != 1 {
		t.Fatal("expected closed snapshot")
	}
	s := changes[0]
	if !s.StartedAt.Equal(start) {
		t.Errorf("expected started_at to survive transitions, got %v", s.StartedAt)
	}
	if !s.ClosedAt.Equal(start.Add(35 * time.Second)) {
		t.Errorf("expected closed_at=t+35s, got %v", s.ClosedAt)
	}
	if s.Duration != 30 {
		t.Errorf("expected duration=30, got %d", s.Duration)
	}
}

func TestSessionIDsAreUUIDsByDefault(t *testing.T) {
	c := correlator.New(nil)
	first := c.Process(event(callmonitor.StateRing, "0", nil))
	c.Process(event(callmonitor.StateDisconnect, "0", nil))
	second := c.Process(event(callmonitor.StateRing, "0", nil))

	if len(first) != 1 || len(second) != 1 {
		t.Fatal("expected one snapshot per RING")
	}
	if len(first[0].ID) != 36 {
		t.Errorf("expected a uuid session id, got %q", first[0].ID)
	}
	if first[0].ID == second[0].ID {
		t.Error("expected reused connection id to get a fresh session id")
	}
}

func TestNilResolverLeavesPeerUnknown(t *testing.T) {
	c := correlator.New(nil)
	snapshots := c.Process(event(callmonitor.StateRing, "0", func(e *callmonitor.Event) { e.RemoteNumber = "0301234567" }))
	if len(snapshots) != 1 {
		t.Fatal("expected ringing snapshot")
	}
	assertPeer(t, snapshots[0], phonebook.UnknownName, "0301234567")
}

func TestResetDiscardsSessions(t *testing.T) {
	c := newCorrelator()
	c.Process(event(callmonitor.StateRing, "0", nil))
	c.Process(event(callmonitor.StateCall, "1", nil))
	c.Process(event(callmonitor.StateConnect, "1", nil))

	if n := c.Reset(); n != 2 {
		t.Errorf("expected Reset to discard 2 sessions, got %d", n)
	}
	if c.ActiveCalls() != 0 {
		t.Errorf("expected 0 active calls after reset, got %d", c.ActiveCalls())
	}
	if snapshots := c.Process(event(callmonitor.StateDisconnect, "1", nil)); len(snapshots) != 0 {
		t.Errorf("expected disconnect after reset to be ignored, got %d snapshots", len(snapshots))
	}
}

// --- Assertion helpers ---

func assertState(t *testing.T, s correlator.Session, state correlator.SessionState, id string) {
	t.Helper()
	if s.State != state {
		t.Errorf("expected state=%s, got %s", state, s.State)
	}
	if s.ID != id {
		t.Errorf("expected session_id=%s, got %s", id, s.ID)
	}
	if s.StartedAt.IsZero() {
		t.Error("expected non-zero started_at")
	}
}

func assertPeer(t *testing.T, s correlator.Session, name, number string) {
	t.Helper()
	if s.Peer.Name != name {
		t.Errorf("expected peer.name=%s, got %s", name, s.Peer.Name)
	}
	if s.Peer.Number != number {
		t.Errorf("expected peer.number=%s, got %s", number, s.Peer.Number)
	}
}
