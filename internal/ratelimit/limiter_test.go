package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(perMinute, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(perMinute, burst)
	l.now = clock.now
	return l, clock
}

func TestLimiterBurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(60, 2)

	require.False(t, l.Limited("asst-1"))
	require.False(t, l.Limited("asst-1"))
	require.True(t, l.Limited("asst-1"), "burst exhausted")
	require.False(t, l.Limited("asst-2"), "actors have separate buckets")

	clock.t = clock.t.Add(time.Second)
	require.False(t, l.Limited("asst-1"), "one token refills per second at 60/min")
	require.True(t, l.Limited("asst-1"))
}

func TestLimiterBlockWindow(t *testing.T) {
	l, clock := newTestLimiter(0, 0)

	require.False(t, l.Limited("asst-1"))
	until := clock.t.Add(2 * time.Second)
	l.Block("asst-1", until)
	l.Block("asst-1", clock.t.Add(time.Second))

	require.True(t, l.Limited("asst-1"))
	require.Equal(t, until, l.BlockedUntil("asst-1"))

	clock.t = until
	require.False(t, l.Limited("asst-1"))
	require.True(t, l.BlockedUntil("asst-1").IsZero())
}
