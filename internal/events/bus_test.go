package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewBus(8)
	var mu sync.Mutex
	var got []Transition

	unsub := bus.Subscribe("queue_item", func(tr Transition) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(Transition{EntityType: "queue_item", EntityID: "i1", From: "new", To: "processing"})
	bus.Publish(Transition{EntityType: "execution", EntityID: "e1", From: "queued", To: "running"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "i1", got[0].EntityID)
	assert.False(t, got[0].At.IsZero(), "At should be stamped on publish")
}

func TestWildcardSubscriberSeesAllTypes(t *testing.T) {
	bus := NewBus(8)
	var mu sync.Mutex
	count := 0

	unsub := bus.Subscribe("", func(Transition) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(Transition{EntityType: "queue_item"})
	bus.Publish(Transition{EntityType: "execution"})
	bus.Publish(Transition{EntityType: "agent"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	block := make(chan struct{})

	unsub := bus.Subscribe("queue_item", func(Transition) {
		<-block
	})
	defer unsub()
	defer close(block)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Transition{EntityType: "queue_item"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(8)
	var mu sync.Mutex
	count := 0

	unsub := bus.Subscribe("agent", func(Transition) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Transition{EntityType: "agent"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	unsub()
	bus.Publish(Transition{EntityType: "agent"})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
