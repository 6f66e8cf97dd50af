package lanes

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/topiclane/internal/events"
)

func TestStateObserverTracksAnyKey(t *testing.T) {
	bus := events.NewBus(nil)
	reg := NewRegistry(bus, Options{}, nil)

	obs := NewStateObserver(reg, bus, "a", "b")
	defer obs.Close()

	var (
		mu      sync.Mutex
		changes []bool
	)
	obs.OnChange(func(v bool) {
		mu.Lock()
		changes = append(changes, v)
		mu.Unlock()
	})
	if obs.Busy() {
		t.Fatalf("Busy() = true before any task")
	}

	gateA := make(chan struct{})
	gateB := make(chan struct{})
	reg.Enqueue("a", func(context.Context) error { <-gateA; return nil })
	reg.Enqueue("b", func(context.Context) error { <-gateB; return nil })
	if !obs.Busy() {
		t.Fatalf("Busy() = false after enqueue")
	}

	close(gateA)
	awaitIdle(t, reg, "a")
	waitFor(t, time.Second, func() bool { return !reg.HasPending("a") })
	if !obs.Busy() {
		t.Fatalf("Busy() = false while b is still pending")
	}

	close(gateB)
	waitFor(t, 2*time.Second, func() bool { return !obs.Busy() })

	mu.Lock()
	defer mu.Unlock()
	if want := []bool{true, false}; !reflect.DeepEqual(changes, want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
}

func TestStateObserverIgnoresOtherKeys(t *testing.T) {
	bus := events.NewBus(nil)
	reg := NewRegistry(bus, Options{}, nil)
	obs := NewStateObserver(reg, bus, "mine")
	defer obs.Close()

	gate := make(chan struct{})
	defer close(gate)
	reg.Enqueue("other", func(context.Context) error { <-gate; return nil })
	if obs.Busy() {
		t.Fatalf("Busy() = true for work on an unobserved key")
	}
}

func TestStateObserverInitialStateOnMount(t *testing.T) {
	bus := events.NewBus(nil)
	reg := NewRegistry(bus, Options{}, nil)

	gate := make(chan struct{})
	reg.Enqueue("k", func(context.Context) error { <-gate; return nil })

	obs := NewStateObserver(reg, bus, "k")
	defer obs.Close()
	if !obs.Busy() {
		t.Fatalf("Busy() = false, want true for a lane already running")
	}

	reg.Clear("k")
	if obs.Busy() {
		t.Fatalf("Busy() = true after Clear")
	}
	close(gate)
}

func TestStateObserverCloseStopsNotifications(t *testing.T) {
	bus := events.NewBus(nil)
	reg := NewRegistry(bus, Options{}, nil)
	obs := NewStateObserver(reg, bus, "k")

	var calls int
	var mu sync.Mutex
	obs.OnChange(func(bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	obs.Close()

	reg.Enqueue("k", func(context.Context) error { return nil })
	awaitIdle(t, reg, "k")

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("OnChange calls after Close = %d, want 0", calls)
	}
}
