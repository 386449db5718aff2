package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	late := c.After(10 * time.Second)
	early := c.After(5 * time.Second)
	require.Equal(t, 2, c.PendingCount())

	c.Advance(5 * time.Second)
	select {
	case got := <-early:
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}

	c.Advance(5 * time.Second)
	<-late
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestWaitForTimers(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		Sleep(context.Background(), c, time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not return after advance")
	}
}

func TestSleepCancelled(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, c, time.Hour))
	assert.False(t, Sleep(ctx, c, 0))
}
