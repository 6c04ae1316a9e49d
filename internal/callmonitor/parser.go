package callmonitor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// fieldCounts is the exact number of fields each state keyword carries,
// including timestamp, keyword and connection id.
var fieldCounts = map[State]int{
	StateRing:       6,
	StateCall:       7,
	StateConnect:    5,
	StateDisconnect: 4,
}

// Parse turns a single call-monitor line into an Event. It is pure: the
// same line always yields the same Event or the same error.
func Parse(line string) (Event, error) {
	raw := strings.TrimSpace(strings.TrimRight(line, "\r\n"))
	if raw == "" {
		return Event{}, &ParseError{Line: line, Reason: "empty line"}
	}

	fields := splitFields(raw)
	if len(fields) < 3 {
		return Event{}, &ParseError{Line: raw, Reason: fmt.Sprintf("expected at least 3 fields, got %d", len(fields))}
	}

	state := State(fields[1])
	want, ok := fieldCounts[state]
	if !ok {
		return Event{}, &ParseError{Line: raw, Reason: fmt.Sprintf("unknown state %q", fields[1])}
	}
	if len(fields) != want {
		return Event{}, &ParseError{Line: raw, Reason: fmt.Sprintf("%s expects %d fields, got %d", state, want, len(fields))}
	}
	if fields[2] == "" {
		return Event{}, &ParseError{Line: raw, Reason: "empty connection id"}
	}

	evt := Event{
		State:        state,
		ConnectionID: fields[2],
		Raw:          raw,
	}
	// The state machine runs on its own clock, so an odd timestamp is not fatal.
	if ts, err := time.ParseInLocation(TimestampLayout, fields[0], time.Local); err == nil {
		evt.Timestamp = ts
	}

	switch state {
	case StateRing:
		evt.RemoteNumber = fields[3]
		evt.LocalNumber = fields[4]
		evt.Device = fields[5]
	case StateCall:
		// fields[3] is the internal extension, not needed for correlation
		evt.LocalNumber = fields[4]
		evt.RemoteNumber = fields[5]
		evt.Device = fields[6]
	case StateConnect:
		evt.Device = fields[3]
		evt.RemoteNumber = fields[4]
	case StateDisconnect:
		d, err := strconv.Atoi(fields[3])
		if err != nil || d < 0 {
			return Event{}, &ParseError{Line: raw, Reason: fmt.Sprintf("invalid duration %q", fields[3])}
		}
		evt.Duration = d
	}

	return evt, nil
}

// splitFields splits on ';' (the router's native delimiter) when present,
// otherwise on ','. A single trailing empty field is dropped.
func splitFields(line string) []string {
	sep := ","
	if strings.Contains(line, ";") {
		sep = ";"
	}
	fields := strings.Split(line, sep)
	if n := len(fields); n > 1 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// Scanner reads newline-delimited call-monitor lines from a stream.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner creates a Scanner that reads from the given reader.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{scanner: bufio.NewScanner(r)}
}

// Next returns the next non-blank line, or false at EOF.
func (s *Scanner) Next() (string, bool) {
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, true
	}
	return "", false
}

// Err returns the first non-EOF error encountered by the Scanner.
func (s *Scanner) Err() error {
	return s.scanner.Err()
}

// ParseBytes parses every line of a capture. Lines that fail to parse are
// returned separately so callers can assert on them.
func ParseBytes(data []byte) ([]Event, []error) {
	var (
		events []Event
		errs   []error
	)
	s := NewScanner(bytes.NewReader(data))
	for {
		line, ok := s.Next()
		if !ok {
			break
		}
		evt, err := Parse(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, evt)
	}
	return events, errs
}
