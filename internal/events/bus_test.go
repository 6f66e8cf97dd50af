package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var (
		mu  sync.Mutex
		got []Event
	)
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(Event{Type: EventTaskAdded, Key: "topic-1", HasPending: true, Pending: 1})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, EventTaskAdded, got[0].Type)
	require.Equal(t, "topic-1", got[0].Key)
	require.False(t, got[0].At.IsZero(), "Publish should stamp At")
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsub := bus.Subscribe(func(Event) { calls++ })
	unsub()
	unsub()

	bus.Publish(Event{Type: EventLaneIdle, Key: "k"})
	require.Zero(t, calls)
	require.Zero(t, bus.SubscriberCount())
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus(nil)
	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered = true })

	require.NotPanics(t, func() {
		bus.Publish(Event{Type: EventTaskCompleted, Key: "k"})
	})
	require.True(t, delivered)
}

func TestBusChannelDropsWhenFull(t *testing.T) {
	bus := NewBus(nil)
	ch, stop := bus.Channel(1)

	bus.Publish(Event{Type: EventTaskAdded, Key: "k"})
	bus.Publish(Event{Type: EventTaskCompleted, Key: "k"})

	first := <-ch
	require.Equal(t, EventTaskAdded, first.Type)

	stop()
	stop()
	_, ok := <-ch
	require.False(t, ok, "channel should be closed after stop")

	require.NotPanics(t, func() {
		bus.Publish(Event{Type: EventLaneIdle, Key: "k"})
	})
}
