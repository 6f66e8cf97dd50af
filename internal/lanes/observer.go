package lanes

import (
	"slices"
	"strings"
	"sync"

	"github.com/ent0n29/topiclane/internal/events"
)

// StateObserver exposes whether any of a fixed set of keys has pending work.
// Every relevant event triggers a recompute over the whole set, so the value
// never depends on the payload or ordering of a single event.
type StateObserver struct {
	reg  *Registry
	keys map[string]struct{}

	// computeMu serializes recompute so a stale read can never be applied
	// after a fresher one.
	computeMu sync.Mutex

	mu        sync.Mutex
	busy      bool
	listeners []func(bool)
	unsub     func()
}

func NewStateObserver(reg *Registry, bus *events.Bus, keys ...string) *StateObserver {
	o := &StateObserver{
		reg:   reg,
		keys:  make(map[string]struct{}, len(keys)),
		unsub: func() {},
	}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			o.keys[k] = struct{}{}
		}
	}
	// Subscribe before the initial compute so no transition falls in between.
	if bus != nil {
		o.unsub = bus.Subscribe(o.handle)
	}
	o.recompute()
	return o
}

func (o *StateObserver) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// OnChange registers fn to be called with the new value whenever Busy flips.
func (o *StateObserver) OnChange(fn func(bool)) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

func (o *StateObserver) Close() {
	o.unsub()
}

func (o *StateObserver) handle(evt events.Event) {
	if evt.Type != events.EventStateChanged && evt.Type != events.EventLaneIdle {
		return
	}
	if _, ok := o.keys[evt.Key]; !ok {
		return
	}
	o.recompute()
}

func (o *StateObserver) recompute() {
	o.computeMu.Lock()
	defer o.computeMu.Unlock()

	busy := false
	for k := range o.keys {
		if o.reg.HasPending(k) {
			busy = true
			break
		}
	}

	o.mu.Lock()
	changed := busy != o.busy
	o.busy = busy
	listeners := slices.Clone(o.listeners)
	o.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(busy)
		}
	}
}
