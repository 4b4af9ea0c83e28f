package bus

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	match func(kind string) bool
	ch    chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends evt to every matching subscriber. A zero Timestamp is set to now.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.match(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events whose kind starts with namespace.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.add(func(kind string) bool { return strings.HasPrefix(kind, namespace) }, bufSize)
}

// SubscribeKinds is like Subscribe but matches the given kinds exactly.
//
// With bufSize 1 the channel acts as a dirty flag: an event dropped because the
// buffer is full is covered by the one already waiting.
func (b *Bus) SubscribeKinds(bufSize int, kinds ...string) (<-chan Event, func()) {
	kinds = slices.Clone(kinds)
	return b.add(func(kind string) bool { return slices.Contains(kinds, kind) }, bufSize)
}

func (b *Bus) add(match func(string) bool, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{match: match, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
