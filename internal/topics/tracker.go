package topics

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotGenerating = errors.New("topic is not generating")

// Generation is one in-progress reply on a topic.
type Generation struct {
	Topic     string    `json:"topic"`
	TurnID    string    `json:"turn_id"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker records which topics are mid-generation. The todo executor treats
// a generating topic as busy and backs off.
type Tracker struct {
	mu       sync.RWMutex
	active   map[string]*Generation
	timeout  time.Duration
	onExpire func(Generation)
	now      func() time.Time
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Tracker{
		active:  make(map[string]*Generation),
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) SetExpireHook(hook func(Generation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = hook
}

// StartGeneration marks topic as generating. A second start replaces the
// turn id and restarts the expiry clock.
func (t *Tracker) StartGeneration(topic, turnID string) Generation {
	topic = strings.TrimSpace(topic)
	g := &Generation{Topic: topic, TurnID: strings.TrimSpace(turnID), StartedAt: t.now()}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[topic] = g
	return *g
}

func (t *Tracker) EndGeneration(topic string) (Generation, error) {
	topic = strings.TrimSpace(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.active[topic]
	if !ok {
		return Generation{}, ErrNotGenerating
	}
	delete(t.active, topic)
	return *g, nil
}

func (t *Tracker) Generating(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[strings.TrimSpace(topic)]
	return ok
}

func (t *Tracker) Get(topic string) (Generation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.active[strings.TrimSpace(topic)]
	if !ok {
		return Generation{}, false
	}
	return *g, true
}

func (t *Tracker) Active() []Generation {
	t.mu.RLock()
	out := make([]Generation, 0, len(t.active))
	for _, g := range t.active {
		out = append(out, *g)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// StartJanitor clears generations older than the tracker timeout so a lost
// end signal cannot keep a topic busy forever.
func (t *Tracker) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.expireStale()
			}
		}
	}()
}

func (t *Tracker) expireStale() {
	now := t.now()
	var expired []Generation

	t.mu.Lock()
	for topic, g := range t.active {
		if now.Sub(g.StartedAt) < t.timeout {
			continue
		}
		expired = append(expired, *g)
		delete(t.active, topic)
	}
	hook := t.onExpire
	t.mu.Unlock()

	if hook != nil {
		for _, g := range expired {
			hook(g)
		}
	}
}
