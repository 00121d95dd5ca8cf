// Package bus fans run and intervention events out to subscribers by topic.
// It keeps no history: a subscriber sees only what is published after it
// subscribes.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

// Subscription is one observer's view of the bus. Events arrive on C in
// publish order. If the buffer is full the event is dropped for this
// subscriber only and counted.
type Subscription struct {
	C <-chan schemas.Event

	ch      chan schemas.Event
	id      uint64
	topics  []schemas.Topic
	dropped atomic.Uint64
	bus     *Bus
	once    sync.Once
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C. Safe to call more than once and after Shutdown.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Bus broadcasts lifecycle events by topic. It keeps no history: a
// subscriber sees only what is published after it subscribed.
type Bus struct {
	logger *zap.Logger

	// Map of topic to subscribers keyed by subscription id.
	subscribers map[schemas.Topic]map[uint64]*Subscription
	mu          sync.RWMutex
	bufferSize  int
	nextID      uint64
	isShutdown  bool

	published atomic.Uint64
	dropped   atomic.Uint64
	now       func() time.Time
}

var _ schemas.EventPublisher = (*Bus)(nil)

// New initializes the bus. bufferSize bounds each subscriber's backlog.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[schemas.Topic]map[uint64]*Subscription),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// Publish delivers evt to every current subscriber of its topic without
// blocking. A zero timestamp is filled in.
func (b *Bus) Publish(evt schemas.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now().UTC()
	}
	topic := evt.Type.Topic()

	// Sends are non-blocking, so holding the read lock for the fan-out is
	// cheap and keeps Close from racing a send on a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isShutdown {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Warn("Subscriber buffer full; dropping event.",
				zap.Uint64("subscriber", sub.id),
				zap.String("type", string(evt.Type)),
				zap.String("run_id", evt.RunID))
		}
	}
}

// Subscribe registers for the given topics, or all topics if none are given.
func (b *Bus) Subscribe(topics ...schemas.Topic) *Subscription {
	if len(topics) == 0 {
		topics = schemas.AllTopics
	}
	ch := make(chan schemas.Event, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch, bus: b, topics: append([]schemas.Topic(nil), topics...)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		close(ch)
		sub.once.Do(func() {})
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	for _, topic := range sub.topics {
		if b.subscribers[topic] == nil {
			b.subscribers[topic] = make(map[uint64]*Subscription)
		}
		b.subscribers[topic][sub.id] = sub
	}
	b.logger.Debug("Subscriber added.", zap.Uint64("subscriber", sub.id), zap.Int("topics", len(sub.topics)))
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		// Shutdown already closed the channel.
		return
	}
	for _, topic := range sub.topics {
		delete(b.subscribers[topic], sub.id)
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}
	close(sub.ch)
}

// SubscriberCount returns the number of distinct live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[uint64]struct{})
	for _, subs := range b.subscribers {
		for id := range subs {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// Stats returns the number of events published and dropped since start.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Shutdown closes every subscription. Later publishes are ignored.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		return
	}
	b.isShutdown = true

	closed := make(map[uint64]struct{})
	for _, subs := range b.subscribers {
		for id, sub := range subs {
			if _, done := closed[id]; done {
				continue
			}
			closed[id] = struct{}{}
			close(sub.ch)
		}
	}
	b.subscribers = make(map[schemas.Topic]map[uint64]*Subscription)
	b.logger.Info("Event bus shut down.", zap.Int("subscribers_closed", len(closed)))
}
