// Package broadcast fans status snapshots out to live observers.
//
// Every subscriber owns a small bounded FIFO. Publish copies the snapshot
// into each queue and returns; it never waits for a slow consumer. When a
// queue is full the configured DropPolicy decides which snapshot is lost,
// and the subscriber is flagged as having missed an update.
//
// # Basic Usage
//
//	b := broadcast.New(broadcast.Config{Capacity: 5})
//	defer b.Close()
//
//	sub, _ := b.Subscribe()
//	defer b.Unsubscribe(sub)
//
//	for {
//	    snap, err := sub.Next(ctx)
//	    if err != nil {
//	        return // unsubscribed, closed or ctx done
//	    }
//	    render(snap)
//	}
//
// # Thread Safety
//
// The subscriber registry is copy-on-write. Publish reads it without taking
// the registry mutex, so Subscribe and Unsubscribe never wait on an
// in-flight Publish and vice versa. A subscription removed while a Publish
// is iterating an older registry copy is already closed and ignores the
// late snapshot.
package broadcast

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/care/fingerprint/internal/status"
)

// DefaultCapacity is the per-subscriber queue size.
const DefaultCapacity = 5

var (
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("broadcast: broadcaster is closed")

	// ErrSubscriptionClosed is returned by Next once the subscription is
	// unsubscribed or the broadcaster is closed.
	ErrSubscriptionClosed = errors.New("broadcast: subscription closed")
)

// DropPolicy selects the victim when a subscriber queue is full.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued snapshot to make room.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming snapshot.
	DropNewest
)

// String returns the config spelling of the policy.
func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy accepts "drop_oldest"/"oldest" and "drop_newest"/"newest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "oldest":
		return DropOldest, nil
	case "drop_newest", "newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("broadcast: unknown drop policy %q", s)
	}
}

// Config tunes a Broadcaster.
type Config struct {
	Capacity int
	Policy   DropPolicy
}

// Stats contains global and per-subscriber counters.
type Stats struct {
	TotalPublished uint64                     `json:"total_published"`
	TotalSent      uint64                     `json:"total_sent"`
	TotalDropped   uint64                     `json:"total_dropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

// SubscriberStats tracks delivery for a single subscriber.
//
// Sent counts snapshots accepted into the queue and Dropped counts
// snapshots lost to the drop policy. Under DropNewest every publish is
// exactly one of the two; under DropOldest every publish is Sent and each
// eviction also counts as Dropped.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
	Missed  bool   `json:"missed"`
}

// Broadcaster distributes snapshots to every registered Subscription.
type Broadcaster struct {
	capacity int
	policy   DropPolicy

	// mu serializes structural changes only. Publish never takes it.
	mu     sync.Mutex
	subs   atomic.Pointer[[]*Subscription]
	closed atomic.Bool

	totalPublished atomic.Uint64
}

// New creates a Broadcaster. A non-positive capacity means DefaultCapacity.
func New(cfg Config) *Broadcaster {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	b := &Broadcaster{
		capacity: cfg.Capacity,
		policy:   cfg.Policy,
	}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return b
}

// Subscribe registers a new observer with its own bounded queue.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := newSubscription(uuid.NewString(), b.capacity, b.policy)

	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, sub)
	b.subs.Store(&next)

	return sub, nil
}

// Unsubscribe detaches sub and closes its queue, waking a blocked Next.
// Idempotent; safe to call concurrently with Publish.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	// Close first: a Publish still holding the old registry copy must not
	// deliver to a detached subscriber.
	sub.close()

	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, s := range cur {
		if s != sub {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
}

// Publish delivers snap to every current subscriber without blocking.
// Publishing after Close is a no-op.
func (b *Broadcaster) Publish(snap status.Snapshot) {
	if b.closed.Load() {
		return
	}
	b.totalPublished.Add(1)

	for _, sub := range *b.subs.Load() {
		sub.offer(snap)
	}
}

// Len returns the number of registered subscribers.
func (b *Broadcaster) Len() int {
	return len(*b.subs.Load())
}

// Stats returns a counters snapshot. Concurrent publishes may advance the
// counters after it returns.
func (b *Broadcaster) Stats() Stats {
	result := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats),
	}

	for _, sub := range *b.subs.Load() {
		st := sub.stats()
		result.TotalSent += st.Sent
		result.TotalDropped += st.Dropped
		result.Subscribers[sub.id] = st
	}

	return result
}

// Close detaches and closes every subscription. Subsequent Subscribe calls
// fail with ErrClosed. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Swap(true) {
		return
	}

	for _, sub := range *b.subs.Load() {
		sub.close()
	}
	empty := []*Subscription{}
	b.subs.Store(&empty)
}
