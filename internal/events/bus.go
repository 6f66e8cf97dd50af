package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a lane lifecycle transition.
type EventType string

const (
	EventTaskAdded     EventType = "task_added"
	EventTaskCompleted EventType = "task_completed"
	EventStateChanged  EventType = "state_changed"
	EventLaneIdle      EventType = "lane_idle"
)

// Event is broadcast to every subscriber. Consumers filter by Key.
type Event struct {
	Type       EventType `json:"type"`
	Key        string    `json:"key"`
	HasPending bool      `json:"has_pending"`
	Pending    int       `json:"pending"`
	At         time.Time `json:"at"`
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Bus is an application-wide broadcast point for lane events.
//
// Publish never runs while the publisher holds lane locks, so handlers may
// call back into the lane registry.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers fn and returns its unsubscribe func. Calling the
// returned func more than once is a no-op.
func (b *Bus) Subscribe(fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Channel adapts the bus to a buffered channel for slow consumers such as
// websocket writers. Events are dropped when the buffer is full.
func (b *Bus) Channel(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := b.Subscribe(func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- evt:
		default:
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", evt.Type, "key", evt.Key, "panic", r)
		}
	}()
	h(evt)
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
