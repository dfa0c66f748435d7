package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitter_bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := Jitter(time.Second)
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.LessOrEqual(t, j, 500*time.Millisecond)
		require.Zero(t, j%time.Millisecond)
	}
	assert.Zero(t, Jitter(time.Millisecond))
	assert.Zero(t, Jitter(0))
}

func TestRealSleep_ctxDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, Real.Sleep(context.Background(), 0))
}

func TestFake_auto(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewAutoFake(start)
	require.NoError(t, c.Sleep(context.Background(), time.Second))
	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.Sleeps())
}

func TestFake_manual(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() {
		done <- c.Sleep(context.Background(), time.Minute)
	}()

	require.Eventually(t, func() bool { return c.Waiters() == 1 }, time.Second, time.Millisecond)
	c.Advance(30 * time.Second)
	select {
	case <-done:
		t.Fatal("sleeper woke before its deadline")
	case <-time.After(10 * time.Millisecond):
	}

	c.Advance(30 * time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleeper never woke")
	}
}

func TestFake_cancelledSleepLeavesNoWaiter(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Sleep(ctx, time.Minute)
	}()

	require.Eventually(t, func() bool { return c.Waiters() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, c.Waiters())
}
