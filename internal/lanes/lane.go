package lanes

import (
	"context"
	"fmt"
	"sync"

	"github.com/ent0n29/topiclane/internal/events"
)

type item struct {
	ctx  context.Context
	run  Task
	done chan error
}

// Lane runs its tasks one at a time in submission order. A failing task does
// not stop the lane.
type Lane struct {
	key  string
	opts Options
	reg  *Registry

	mu      sync.Mutex
	queue   []*item
	running int
	evicted bool
	waiters []chan struct{}
}

func newLane(key string, opts Options, reg *Registry) *Lane {
	return &Lane{key: key, opts: opts, reg: reg}
}

func (l *Lane) Key() string { return l.key }

// Enqueue submits through the registry so a lane evicted after the caller
// obtained it never swallows work.
func (l *Lane) Enqueue(task Task) int {
	return l.reg.Enqueue(l.key, task)
}

func (l *Lane) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.evicted {
		return 0
	}
	return len(l.queue) + l.running
}

func (l *Lane) HasPending() bool { return l.Size() > 0 }

func (l *Lane) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.evicted {
		return Stats{Key: l.key}
	}
	return Stats{
		Key:     l.key,
		Queued:  len(l.queue),
		Running: l.running,
		Pending: len(l.queue) + l.running,
	}
}

func (l *Lane) enqueue(it *item) (int, bool) {
	l.mu.Lock()
	if l.evicted {
		l.mu.Unlock()
		return 0, false
	}
	l.queue = append(l.queue, it)
	var next *item
	if l.running == 0 {
		next = l.queue[0]
		l.queue = l.queue[1:]
		l.running = 1
	}
	pending := len(l.queue) + l.running
	l.mu.Unlock()

	l.reg.publish(events.EventTaskAdded, l.key, pending)
	l.reg.publish(events.EventStateChanged, l.key, pending)
	if next != nil {
		go l.drain(next)
	}
	return pending, true
}

// drain runs it and every task queued behind it, then exits once the lane is
// empty. At most one drain goroutine exists per lane.
func (l *Lane) drain(it *item) {
	for it != nil {
		err := l.execute(it)

		l.mu.Lock()
		l.running = 0
		var next *item
		if !l.evicted && len(l.queue) > 0 {
			next = l.queue[0]
			l.queue = l.queue[1:]
			l.running = 1
		}
		pending := len(l.queue) + l.running
		evicted := l.evicted
		var waiters []chan struct{}
		if pending == 0 && !evicted {
			waiters = l.waiters
			l.waiters = nil
		}
		l.mu.Unlock()

		if it.done != nil {
			it.done <- err
		}
		if err != nil {
			l.reg.logger.Debug("lane task failed", "key", l.key, "error", err)
		}
		l.reg.publish(events.EventTaskCompleted, l.key, pending)
		if !evicted {
			l.reg.publish(events.EventStateChanged, l.key, pending)
			if pending == 0 {
				for _, w := range waiters {
					close(w)
				}
				l.reg.publish(events.EventLaneIdle, l.key, 0)
			}
		}
		it = next
	}
}

func (l *Lane) execute(it *item) (err error) {
	ctx := it.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// The submitter stopped waiting before the task started.
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane %s: task panicked: %v", l.key, r)
		}
	}()
	if it.run == nil {
		return nil
	}
	return it.run(ctx)
}

// evict marks the lane dead, discards queued tasks and releases idle
// waiters. It returns the number of discarded tasks.
func (l *Lane) evict() int {
	l.mu.Lock()
	dropped := l.queue
	l.queue = nil
	l.evicted = true
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, it := range dropped {
		if it.done != nil {
			it.done <- ErrLaneCleared
		}
	}
	for _, w := range waiters {
		close(w)
	}
	return len(dropped)
}

// idleWaiter returns nil when the lane is already idle, otherwise a channel
// closed on the next transition to idle.
func (l *Lane) idleWaiter() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.evicted || len(l.queue)+l.running == 0 {
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	return ch
}
