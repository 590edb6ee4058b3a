package events

import (
	"sync"
	"time"
)

// Transition describes one state change of a tracked entity. Fields holds
// the numeric attributes rules may threshold on (attempt counts, chain
// lengths, durations).
type Transition struct {
	EntityType string
	EntityID   string
	TenantID   string
	From       string
	To         string
	At         time.Time
	// EnteredAt is when the entity entered the From status, for rules
	// that gate on time spent in a state.
	EnteredAt time.Time
	Fields    map[string]float64
	Detail    string
}

// Subscriber receives transitions.
type Subscriber func(Transition)

// Bus is a non-blocking publish/subscribe fanout for state transitions.
// Delivery is asynchronous over buffered channels; a subscriber that
// cannot keep up loses events rather than stalling the state machines.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Transition
	bufferSize  int
	closed      bool
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[string][]chan Transition),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for transitions of the given entity type; an
// empty entityType receives every transition. The subscriber runs on its
// own goroutine. The returned function unsubscribes.
func (b *Bus) Subscribe(entityType string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Transition, b.bufferSize)
	b.subscribers[entityType] = append(b.subscribers[entityType], ch)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case tr, ok := <-ch:
				if !ok {
					return
				}
				fn(tr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(done)
		subs := b.subscribers[entityType]
		for i, c := range subs {
			if c == ch {
				b.subscribers[entityType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the transition to matching subscribers without
// blocking: full subscriber buffers drop the event.
func (b *Bus) Publish(tr Transition) {
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[tr.EntityType] {
		select {
		case ch <- tr:
		default:
		}
	}
	for _, ch := range b.subscribers[""] {
		select {
		case ch <- tr:
		default:
		}
	}
}

// Close stops accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
