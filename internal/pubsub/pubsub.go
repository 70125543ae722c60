// Package pubsub provides a small typed publish-subscribe bus.
//
// Components use it to surface pairing state transitions, per-relay
// connectivity changes, undo-stack changes and sync progress snapshots to
// whoever is listening (typically the application root or a UI layer).
// Subscribe returns an explicit unsubscribe handle; there is no global
// registry.
package pubsub

import "sync"

// Bus delivers values of type T to all current subscribers.
//
// Publish never blocks on a subscriber: each subscriber has a buffered
// channel and slow subscribers drop the oldest pending value. The zero
// Bus is not usable; create one with New.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan T
	closed bool
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber and returns its channel together
// with an unsubscribe function. The unsubscribe function is idempotent
// and closes the channel.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan T, DefaultBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers v to every subscriber.
//
// If a subscriber's buffer is full, the oldest buffered value is dropped
// so that publishers are never blocked by a stalled consumer.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
// Subsequent Publish calls are no-ops and new subscribers receive a
// closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Len reports the current number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
