package activation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetActivateDeactivate(t *testing.T) {
	s := NewSet(" asst-1 ", "")
	require.True(t, s.Contains("asst-1"))
	require.False(t, s.Contains("asst-2"))

	require.True(t, s.Activate("asst-2"))
	require.False(t, s.Activate("asst-2"), "second activate is a no-op")
	require.Equal(t, []string{"asst-1", "asst-2"}, s.Owners())

	require.True(t, s.Deactivate("asst-1"))
	require.False(t, s.Deactivate("asst-1"))
	require.False(t, s.Contains("asst-1"))
	require.False(t, s.Activate("  "))
}

func TestSetSubscribeSeesTransitionsOnly(t *testing.T) {
	s := NewSet()
	ch, unsub := s.Subscribe()
	defer unsub()

	s.Activate("asst-1")
	s.Activate("asst-1")
	s.Deactivate("asst-1")

	want := []bool{true, false}
	for _, active := range want {
		select {
		case c := <-ch:
			require.Equal(t, "asst-1", c.Owner)
			require.Equal(t, active, c.Active)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for active=%v", active)
		}
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	default:
	}

	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
}
