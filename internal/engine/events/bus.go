// Package events is the in-process publish point for point and alert
// events.
//
// Every subscriber owns a bounded channel. Publish never blocks: when a
// subscriber's channel is full the event is dropped for that subscriber
// and counted. Delivery is at most once.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/telemetry/internal/engine/types"
	"github.com/xtxerr/telemetry/internal/logging"
)

var log = logging.Component("events")

// DefaultQueueSize is the per-subscriber channel capacity.
const DefaultQueueSize = 1024

// =============================================================================
// Bus
// =============================================================================

// Bus fans published events out to subscribers.
//
// Bus is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	queueSize int

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus whose subscribers buffer up to queueSize events.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe registers a subscriber for the given kinds. No kinds means all
// kinds. Subscribing to a closed bus returns an already closed
// subscription.
func (b *Bus) Subscribe(name string, kinds ...types.EventKind) *Subscription {
	sub := &Subscription{
		name: name,
		ch:   make(chan types.Event, b.queueSize),
		bus:  b,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[types.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	log.Debug("subscriber added", "name", name, "id", sub.id)
	return sub
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev types.Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		if !sub.offer(ev) {
			b.dropped.Add(1)
		}
	}
}

// UsageRatio returns the fill ratio of the fullest subscriber channel.
func (b *Bus) UsageRatio() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ratio float64
	for _, sub := range b.subs {
		if r := sub.UsageRatio(); r > ratio {
			ratio = r
		}
	}
	return ratio
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are counted and
// discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Stats returns bus statistics.
func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.SubscriberCount(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		UsageRatio:  b.UsageRatio(),
	}
}

// Stats holds bus statistics.
type Stats struct {
	Subscribers int
	Published   int64
	Dropped     int64 // Deliveries dropped across all subscribers
	UsageRatio  float64
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription is one consumer of the bus.
type Subscription struct {
	id    uint64
	name  string
	kinds map[types.EventKind]struct{}
	bus   *Bus

	// ch is protected by mu; nil once closed
	mu sync.RWMutex
	ch chan types.Event

	closeOnce sync.Once

	delivered atomic.Int64
	dropped   atomic.Int64
}

// C returns the event channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ch == nil {
		closed := make(chan types.Event)
		close(closed)
		return closed
	}
	return s.ch
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Consume calls fn for every event until ctx is done or the subscription
// is closed.
func (s *Subscription) Consume(ctx context.Context, fn func(types.Event)) {
	ch := s.C()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fn(ev)
		}
	}
}

// Close unsubscribes. Idempotent.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.remove(s.id)
	}
	s.close()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.ch != nil {
			close(s.ch)
			s.ch = nil
		}
		s.mu.Unlock()

		log.Debug("subscriber closed",
			"name", s.name,
			"delivered", s.delivered.Load(),
			"dropped", s.dropped.Load())
	})
}

func (s *Subscription) wants(kind types.EventKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// offer attempts a non-blocking send.
func (s *Subscription) offer(ev types.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ch == nil {
		return false
	}
	select {
	case s.ch <- ev:
		s.delivered.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// UsageRatio returns the channel fill ratio (0.0 - 1.0).
func (s *Subscription) UsageRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ch == nil || cap(s.ch) == 0 {
		return 0
	}
	return float64(len(s.ch)) / float64(cap(s.ch))
}

// Delivered returns the number of events queued to this subscriber.
func (s *Subscription) Delivered() int64 {
	return s.delivered.Load()
}

// Dropped returns the number of events dropped for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}
