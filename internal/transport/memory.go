package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBroker routes messages between in-process clients by exact topic
// match. It stands in for the MQTT broker in tests and loopback runs.
type MemoryBroker struct {
	mu      sync.RWMutex
	clients []*MemoryClient
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Client creates a client subscribed to topics. It receives nothing until
// Connect is called.
func (b *MemoryBroker) Client(topics ...string) *MemoryClient {
	c := &MemoryClient{
		broker:     b,
		topics:     make(map[string]bool, len(topics)),
		dispatcher: NewDispatcher(64),
	}
	for _, t := range topics {
		c.topics[t] = true
	}

	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()

	return c
}

func (b *MemoryBroker) route(msg Message) {
	b.mu.RLock()
	clients := make([]*MemoryClient, len(b.clients))
	copy(clients, b.clients)
	b.mu.RUnlock()

	for _, c := range clients {
		if c.connected.Load() && c.topics[msg.Topic] {
			c.dispatcher.Deliver(msg)
		}
	}
}

// MemoryClient is a Channel attached to a MemoryBroker.
type MemoryClient struct {
	broker     *MemoryBroker
	topics     map[string]bool
	dispatcher *Dispatcher

	connected atomic.Bool
	started   atomic.Bool

	mu        sync.Mutex
	published []Message
}

// OnMessage implements Channel.
func (c *MemoryClient) OnMessage(h Handler) {
	c.dispatcher.SetHandler(h)
}

// Connect implements Channel.
func (c *MemoryClient) Connect(ctx context.Context) error {
	if c.started.CompareAndSwap(false, true) {
		go c.dispatcher.Run(ctx)
	}
	c.connected.Store(true)
	return nil
}

// Publish implements Channel.
func (c *MemoryClient) Publish(topic string, payload []byte) error {
	if !c.connected.Load() {
		return fmt.Errorf("%w: memory client disconnected", ErrTransport)
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), ReceivedAt: time.Now()}

	c.mu.Lock()
	c.published = append(c.published, msg)
	c.mu.Unlock()

	c.broker.route(msg)
	return nil
}

// IsConnected implements Channel.
func (c *MemoryClient) IsConnected() bool {
	return c.connected.Load()
}

// SetConnected simulates a connection drop or recovery.
func (c *MemoryClient) SetConnected(up bool) {
	c.connected.Store(up)
}

// Close implements Channel.
func (c *MemoryClient) Close() error {
	c.connected.Store(false)
	return nil
}

// Published returns every message this client published.
func (c *MemoryClient) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.published))
	copy(out, c.published)
	return out
}
