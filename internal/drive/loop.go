package drive

import (
	"context"
	"log/slog"
	"time"

	"github.com/ent0n29/topiclane/internal/activation"
	"github.com/ent0n29/topiclane/internal/todos"
)

// Kicker starts background processing for one pair.
type Kicker interface {
	Kick(owner, resource string)
}

// Loop turns store and activation changes into executor kicks. A periodic
// resync sweeps every pending pair so a dropped change cannot strand work.
type Loop struct {
	store    todos.ObservableStore
	active   *activation.Set
	kicker   Kicker
	interval time.Duration
	logger   *slog.Logger
}

func NewLoop(store todos.ObservableStore, active *activation.Set, kicker Kicker, resync time.Duration, logger *slog.Logger) *Loop {
	if resync <= 0 {
		resync = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:    store,
		active:   active,
		kicker:   kicker,
		interval: resync,
		logger:   logger.With("component", "drive"),
	}
}

// Run blocks until ctx ends or the store closes its change feed.
func (l *Loop) Run(ctx context.Context) error {
	changes, unsubStore := l.store.Subscribe()
	defer unsubStore()
	activations, unsubActive := l.active.Subscribe()
	defer unsubActive()

	l.sweep(ctx, "")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if wantsKick(c) && l.active.Contains(c.Pair.Owner) {
				l.kicker.Kick(c.Pair.Owner, c.Pair.Resource)
			}
		case a, ok := <-activations:
			if !ok {
				return nil
			}
			if a.Active {
				l.sweep(ctx, a.Owner)
			}
		case <-ticker.C:
			l.sweep(ctx, "")
		}
	}
}

// sweep kicks every active pair with Pending work. An empty owner sweeps all
// owners.
func (l *Loop) sweep(ctx context.Context, owner string) {
	pairs, err := l.store.PendingPairs(ctx, owner)
	if err != nil {
		l.logger.Warn("list pending pairs failed", "owner", owner, "error", err)
		return
	}
	for _, p := range pairs {
		if l.active.Contains(p.Owner) {
			l.kicker.Kick(p.Owner, p.Resource)
		}
	}
}

func wantsKick(c todos.Change) bool {
	if c.Type != todos.ChangeAdded && c.Type != todos.ChangeUpdated {
		return false
	}
	return c.Status == todos.StatusPending
}
