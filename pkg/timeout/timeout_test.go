package timeout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_finishesInTime(t *testing.T) {
	v, err := Do(context.Background(), "fast", time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDo_timesOutWithoutAborting(t *testing.T) {
	var finished atomic.Bool
	release := make(chan struct{})
	_, err := Do(context.Background(), "slow", 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-release
		finished.Store(true)
		return 1, ctx.Err()
	})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.Op)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, te.Timeout())

	// The detached operation still completes, with a live context.
	close(release)
	require.Eventually(t, finished.Load, time.Second, time.Millisecond)
}

func TestDo_propagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := Wrap("op", time.Second, func(context.Context) error { return boom })(context.Background())
	assert.Same(t, boom, err)
}

func TestDo_disabled(t *testing.T) {
	v, err := Do(context.Background(), "op", 0, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
