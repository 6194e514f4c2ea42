// Package bus is the in-process pub/sub backbone. Task lifecycle changes,
// appended conversation messages, and activity-log lines are published here
// and fanned out to subscribers such as the websocket hub and channel
// adapters. Delivery is best-effort: a subscriber whose buffer is full
// misses events rather than blocking the publisher.
package bus

import (
	"strings"
	"sync"
)

const subscriberBuffer = 100

// Event is a single published item.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live registration on the bus. Receive from Ch until
// Unsubscribe closes it.
type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the receive channel for this subscription.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out to subscribers by topic prefix.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers interest in topics starting with prefix. An empty
// prefix matches everything. The subscription buffers up to 100 events;
// slow consumers lose events, they are never blocked on.
func (b *Bus) Subscribe(prefix string) *Subscription {
	sub := &Subscription{
		prefix: prefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every subscriber whose prefix matches.
// Non-blocking: full buffers drop the event for that subscriber only.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
