// Package transport is the broker boundary of the gateway.
//
// A Channel publishes plain-text payloads and delivers received messages to
// a single Handler, one at a time and in receipt order, from one dispatcher
// goroutine. Two implementations exist: MQTT (paho) for the real sensor and
// MemoryClient for tests and loopback runs.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTransport is returned when the broker cannot take a publish. Publishes
// are never buffered for later delivery.
var ErrTransport = errors.New("transport: broker unavailable")

// Message is one received broker message.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Payload)
}

// Handler consumes received messages. It runs on the dispatcher goroutine
// and must not block.
type Handler func(Message)

// Publisher is the outbound half of a Channel.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Channel is a broker connection.
type Channel interface {
	Publisher

	// OnMessage registers the single dispatch point. Registering again
	// replaces the previous handler.
	OnMessage(h Handler)

	// Connect establishes the connection, subscribes and starts the
	// dispatcher. The dispatcher stops when ctx is done.
	Connect(ctx context.Context) error

	// IsConnected reports whether publishes can currently succeed.
	IsConnected() bool

	// Close disconnects. Idempotent.
	Close() error
}
