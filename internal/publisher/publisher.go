// Package publisher delivers call snapshots to an MQTT broker.
package publisher

import "context"

// Message is a single MQTT publication.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
