// Package bus fans job progress events out to in-process subscribers.
// Delivery is push-based over per-subscriber buffered channels: the bus
// never blocks a publisher, and a subscriber that cannot keep up is
// disconnected and must resubscribe, re-fetching job status to reconcile.
// The bus does not replay past events.
package bus

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/model"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	id    int64
	jobID string // "" receives events for all jobs
	ch    chan model.ProgressEvent
}

// Bus is an in-process progress event fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	buffer int
	closed bool

	lagged atomic.Int64
}

// New creates a bus. buffer <= 0 uses DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[int64]*subscriber),
		buffer: buffer,
	}
}

// Subscription is one subscriber's receive handle.
type Subscription struct {
	id  int64
	bus *Bus
	ch  chan model.ProgressEvent
}

// Events returns the receive channel. It is closed when the subscriber is
// dropped for lagging, the subscription is closed, or the bus shuts down.
func (s *Subscription) Events() <-chan model.ProgressEvent {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
}

// Subscribe registers a subscriber for one job's events, or for all jobs
// when jobID is empty.
func (b *Bus) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.ProgressEvent, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription{id: -1, bus: b, ch: ch}
	}

	b.nextID++
	sub := &subscriber{id: b.nextID, jobID: jobID, ch: ch}
	b.subs[sub.id] = sub
	return &Subscription{id: sub.id, bus: b, ch: ch}
}

// Publish delivers the event to every matching subscriber without blocking.
// Subscribers whose buffer is full are dropped.
func (b *Bus) Publish(ev model.ProgressEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var laggards []int64
	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			laggards = append(laggards, sub.id)
		}
	}
	b.mu.RUnlock()

	for _, id := range laggards {
		if b.remove(id) {
			b.lagged.Inc()
			zap.L().Warn("dropping lagged progress subscriber",
				zap.Int64("subscriber_id", id),
				zap.String("job_id", ev.JobID),
			)
		}
	}
}

// remove deletes and closes a subscriber. Returns false when already gone.
func (b *Bus) remove(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	close(sub.ch)
	return true
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LaggedTotal reports how many subscribers have been dropped for lagging.
func (b *Bus) LaggedTotal() int64 {
	return b.lagged.Load()
}

// Close shuts the bus down and closes every subscriber channel. Publish and
// Subscribe after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
