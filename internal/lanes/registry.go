package lanes

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/topiclane/internal/events"
)

// ErrLaneCleared is delivered to Do callers whose task was discarded by
// Clear before it started.
var ErrLaneCleared = errors.New("lane cleared before task started")

// Task is one unit of work run on a lane.
type Task func(ctx context.Context) error

// Options configure a lane when it is first created. Later GetOrCreate calls
// for the same key ignore their options.
type Options struct {
	// TaskTimeout bounds each task's context. Zero means no deadline.
	TaskTimeout time.Duration
}

// Stats is a point-in-time view of one lane.
type Stats struct {
	Key     string `json:"key"`
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
	Pending int    `json:"pending"`
}

// Registry maps resource keys to lanes. Lanes are created on demand and live
// until Clear or ClearAll evicts them.
type Registry struct {
	mu       sync.Mutex
	lanes    map[string]*Lane
	defaults Options
	bus      *events.Bus
	logger   *slog.Logger
}

func NewRegistry(bus *events.Bus, defaults Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lanes:    make(map[string]*Lane),
		defaults: defaults,
		bus:      bus,
		logger:   logger,
	}
}

// GetOrCreate returns the lane for key, creating it with opts when absent.
// A lane is wired to the bus exactly once, at creation.
func (r *Registry) GetOrCreate(key string, opts Options) *Lane {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lanes[key]; ok {
		return l
	}
	l := newLane(key, opts, r)
	r.lanes[key] = l
	return l
}

// Enqueue appends task to the lane for key and returns the lane's pending
// count (queued plus running) right after the append. It never blocks on the
// task itself.
func (r *Registry) Enqueue(key string, task Task) int {
	return r.submit(key, &item{ctx: context.Background(), run: task})
}

// Do enqueues task and waits until it has run and the lane has settled its
// bookkeeping. It returns the task's error, ErrLaneCleared if the lane was
// cleared first, or ctx.Err() if ctx ends while waiting.
func (r *Registry) Do(ctx context.Context, key string, task Task) error {
	it := &item{ctx: ctx, run: task, done: make(chan error, 1)}
	r.submit(key, it)
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) submit(key string, it *item) int {
	for {
		l := r.GetOrCreate(key, r.defaults)
		if n, ok := l.enqueue(it); ok {
			return n
		}
		// Lost a race with Clear; the evicted lane is gone from the map.
	}
}

func (r *Registry) lane(key string) *Lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lanes[strings.TrimSpace(key)]
}

// Size returns queued plus running tasks for key, 0 when no lane exists.
func (r *Registry) Size(key string) int {
	l := r.lane(key)
	if l == nil {
		return 0
	}
	return l.Size()
}

func (r *Registry) PendingCount(key string) int { return r.Size(key) }

func (r *Registry) HasPending(key string) bool { return r.Size(key) > 0 }

// Clear evicts the lane for key. Tasks not yet started are discarded; a
// running task is left to finish but no longer counts toward Size.
func (r *Registry) Clear(key string) {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	l := r.lanes[key]
	delete(r.lanes, key)
	r.mu.Unlock()
	if l == nil {
		return
	}
	dropped := l.evict()
	if dropped > 0 {
		r.logger.Debug("lane cleared", "key", key, "dropped", dropped)
	}
	r.publish(events.EventStateChanged, key, 0)
	r.publish(events.EventLaneIdle, key, 0)
}

func (r *Registry) ClearAll() {
	for _, key := range r.Keys() {
		r.Clear(key)
	}
}

// AwaitIdle blocks until the lane for key has nothing queued or running. It
// returns immediately when no lane exists.
func (r *Registry) AwaitIdle(ctx context.Context, key string) error {
	l := r.lane(key)
	if l == nil {
		return nil
	}
	ch := l.idleWaiter()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.lanes))
	for k := range r.lanes {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Stats(key string) Stats {
	l := r.lane(key)
	if l == nil {
		return Stats{Key: strings.TrimSpace(key)}
	}
	return l.Stats()
}

func (r *Registry) ActiveCount() int {
	n := 0
	for _, key := range r.Keys() {
		if r.HasPending(key) {
			n++
		}
	}
	return n
}

func (r *Registry) publish(t events.EventType, key string, pending int) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:       t,
		Key:        key,
		HasPending: pending > 0,
		Pending:    pending,
		At:         time.Now().UTC(),
	})
}
