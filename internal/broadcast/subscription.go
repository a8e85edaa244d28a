package broadcast

import (
	"context"
	"sync"

	"github.com/care/fingerprint/internal/status"
)

// Subscription is one observer's bounded queue.
//
// offer is called by Publish, Next/TryNext by the single consumer. Both
// sides hold mu only for O(1) queue work.
type Subscription struct {
	id       string
	capacity int
	policy   DropPolicy

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []status.Snapshot // ring buffer, len == capacity
	head   int
	count  int
	closed bool

	sent    uint64
	dropped uint64
	missed  bool
}

func newSubscription(id string, capacity int, policy DropPolicy) *Subscription {
	s := &Subscription{
		id:       id,
		capacity: capacity,
		policy:   policy,
		buf:      make([]status.Snapshot, capacity),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID identifies the subscriber in stats and logs.
func (s *Subscription) ID() string {
	return s.id
}

// offer enqueues snap, applying the drop policy when full.
func (s *Subscription) offer(snap status.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.count == s.capacity {
		s.dropped++
		s.missed = true
		if s.policy == DropNewest {
			return
		}
		// DropOldest: advance head past the evicted item.
		s.buf[s.head] = status.Snapshot{}
		s.head = (s.head + 1) % s.capacity
		s.count--
	}

	s.buf[(s.head+s.count)%s.capacity] = snap
	s.count++
	s.sent++
	s.cond.Signal()
}

// pop removes the head item. Caller holds mu and has checked count > 0.
func (s *Subscription) pop() status.Snapshot {
	snap := s.buf[s.head]
	s.buf[s.head] = status.Snapshot{}
	s.head = (s.head + 1) % s.capacity
	s.count--
	return snap
}

// Next blocks until a snapshot is queued, the subscription is closed
// (ErrSubscriptionClosed) or ctx is done (ctx.Err()). If ctx is already
// done while snapshots are queued, the oldest one is still returned.
func (s *Subscription) Next(ctx context.Context) (status.Snapshot, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.count == 0 && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}

	if s.closed {
		return status.Snapshot{}, ErrSubscriptionClosed
	}
	if s.count == 0 {
		return status.Snapshot{}, ctx.Err()
	}
	return s.pop(), nil
}

// TryNext returns the oldest queued snapshot without blocking.
func (s *Subscription) TryNext() (status.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.count == 0 {
		return status.Snapshot{}, false
	}
	return s.pop(), true
}

// Missed reports whether any update was dropped for this subscriber and
// clears the flag.
func (s *Subscription) Missed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	missed := s.missed
	s.missed = false
	return missed
}

// Closed reports whether the subscription no longer receives snapshots.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.buf = nil
	s.count = 0
	s.cond.Broadcast()
}

func (s *Subscription) stats() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SubscriberStats{
		Sent:    s.sent,
		Dropped: s.dropped,
		Queued:  s.count,
		Missed:  s.missed,
	}
}
