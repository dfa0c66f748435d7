package circuit_breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resync/pkg/clock"
)

var errBoom = errors.New("boom")

func newTestBreaker(c clock.Clock) *Breaker {
	return New("api", Opts{
		FailureThreshold: 3,
		RetryDelay:       10 * time.Second,
		Clock:            c,
	})
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker_opensAfterThreshold(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(c)

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), fail)
		require.ErrorIs(t, err, errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	var calls atomic.Int32
	for i := 0; i < 10; i++ {
		c.Advance(time.Second - time.Millisecond)
		err := b.Execute(context.Background(), func(context.Context) error {
			calls.Add(1)
			return nil
		})
		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "api", openErr.Name)
		assert.Equal(t, 3, openErr.FailureCount)
		assert.ErrorIs(t, err, ErrOpen)
	}
	assert.Zero(t, calls.Load(), "operation ran while circuit was open")
}

func TestBreaker_successResetsCount(t *testing.T) {
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, ok))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_halfOpenProbeSuccess(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(c)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	c.Advance(10 * time.Second)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().FailureCount)
}

func TestBreaker_halfOpenProbeFailure(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(c)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	c.Advance(10 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, c.Now().Add(10*time.Second), b.Snapshot().NextRetryAt)

	// Rejected again until the new delay elapses.
	require.ErrorIs(t, b.Execute(ctx, ok), ErrOpen)
}

func TestBreaker_halfOpenAllowsSingleProbe(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(c)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	c.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeErr = b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error {
			ran.Add(1)
			return nil
		})
		require.ErrorIs(t, err, ErrOpen)
	}
	close(release)
	wg.Wait()

	require.NoError(t, probeErr)
	assert.Zero(t, ran.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_staleResultIgnored(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(c)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())
	close(release)
	<-done

	// The slow success began in the old closed generation and must not
	// close the circuit.
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_reset(t *testing.T) {
	var transitions []string
	b := New("api", Opts{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestBreaker_isFailure(t *testing.T) {
	b := New("api", Opts{
		FailureThreshold: 1,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ignoredErrorIsNeutral(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := New("api", Opts{
		FailureThreshold: 3,
		RetryDelay:       10 * time.Second,
		Clock:            c,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	canceled := func(context.Context) error { return context.Canceled }
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, canceled)
	assert.Equal(t, 2, b.Snapshot().FailureCount)
	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	c.Advance(10 * time.Second)
	_ = b.Execute(ctx, canceled)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_panicCountsAsFailure(t *testing.T) {
	b := New("api", Opts{FailureThreshold: 1})
	assert.Panics(t, func() {
		_ = b.Execute(context.Background(), func(context.Context) error { panic("bad") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestDo(t *testing.T) {
	b := New("api", Opts{})
	v, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGroup(t *testing.T) {
	g := NewGroup(Opts{FailureThreshold: 1})
	a := g.Get("a")
	assert.Same(t, a, g.Get("a"))
	_ = a.Execute(context.Background(), fail)
	_ = g.Get("b")

	snaps := g.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, "open", snaps[0].State)
	assert.Equal(t, "closed", snaps[1].State)

	assert.True(t, g.Reset("a"))
	assert.False(t, g.Reset("missing"))
	assert.Equal(t, StateClosed, a.State())

	reg := prometheus.NewRegistry()
	require.NoError(t, g.RegisterMetrics(reg))
	n, err := testutil.GatherAndCount(reg, "circuit_breaker_state")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
