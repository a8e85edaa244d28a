package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Dispatcher serializes message delivery.
//
// Broker callbacks call Deliver from whatever goroutine the client library
// uses; Run drains the inbox on one goroutine and invokes the handler for
// each message in the order Deliver accepted them. The handler therefore
// never runs concurrently with itself.
type Dispatcher struct {
	inbox chan Message
	done  chan struct{}

	mu      sync.RWMutex
	handler Handler

	running   atomic.Bool
	delivered atomic.Uint64
	unhandled atomic.Uint64
	panics    atomic.Uint64
}

// DispatcherStats reports dispatcher counters.
type DispatcherStats struct {
	Delivered uint64
	Unhandled uint64
	Panics    uint64
	Queued    int
}

// NewDispatcher creates a dispatcher with an inbox of the given size.
func NewDispatcher(size int) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	return &Dispatcher{
		inbox: make(chan Message, size),
		done:  make(chan struct{}),
	}
}

// SetHandler installs the dispatch point.
func (d *Dispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Deliver enqueues msg. When the inbox is full it waits for room, which
// back-pressures the broker client rather than losing an ACK. Returns false
// once the dispatcher has stopped.
func (d *Dispatcher) Deliver(msg Message) bool {
	select {
	case <-d.done:
		return false
	default:
	}

	select {
	case d.inbox <- msg:
		return true
	case <-d.done:
		return false
	}
}

// Run drains the inbox until ctx is done. Only the first call runs; later
// calls return immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.inbox:
			d.dispatch(msg)
		}
	}
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stats returns a counters snapshot.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Unhandled: d.unhandled.Load(),
		Panics:    d.panics.Load(),
		Queued:    len(d.inbox),
	}
}

func (d *Dispatcher) dispatch(msg Message) {
	d.mu.RLock()
	h := d.handler
	d.mu.RUnlock()

	if h == nil {
		d.unhandled.Add(1)
		slog.Warn("message received without handler, dropping", "topic", msg.Topic)
		return
	}

	// A panicking handler must not take the receive path down with it.
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			slog.Error("message handler panicked", "topic", msg.Topic, "panic", r)
		}
	}()

	h(msg)
	d.delivered.Add(1)
}
