package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/clock"
	"github.com/pmkol/resync/pkg/fallback"
	"github.com/pmkol/resync/pkg/retry"
	"github.com/pmkol/resync/pkg/timeout"
)

var errNet = errors.New("network is down")

func TestGuard_retryInsideBreaker(t *testing.T) {
	c := clock.NewAutoFake(time.Unix(0, 0))
	b := circuit_breaker.New("api", circuit_breaker.Opts{FailureThreshold: 2, RetryDelay: time.Minute, Clock: c})
	g := &Guard[int]{
		Name:    "api",
		Breaker: b,
		Policy:  retry.Policy{MaxAttempts: 3, Clock: c},
	}

	calls := 0
	op := func(context.Context) (int, error) {
		calls++
		return 0, errNet
	}

	// One exhausted retry loop is one breaker failure.
	_, err := g.Execute(context.Background(), op)
	assert.Same(t, errNet, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, circuit_breaker.StateClosed, b.State())

	_, err = g.Execute(context.Background(), op)
	assert.Same(t, errNet, err)
	assert.Equal(t, circuit_breaker.StateOpen, b.State())

	calls = 0
	_, err = g.Execute(context.Background(), op)
	var openErr *circuit_breaker.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Zero(t, calls)
}

func TestGuard_fallbackOnOpenCircuit(t *testing.T) {
	b := circuit_breaker.New("profile", circuit_breaker.Opts{FailureThreshold: 1, Clock: clock.NewFake(time.Unix(0, 0))})
	g := &Guard[string]{
		Name:     "profile",
		Breaker:  b,
		Policy:   retry.None,
		Fallback: fallback.New[string]("profile", nil, nil).WithValue("cached profile"),
	}

	v, err := g.Execute(context.Background(), func(context.Context) (string, error) { return "", errNet })
	require.NoError(t, err)
	assert.Equal(t, "cached profile", v)
	assert.Equal(t, circuit_breaker.StateOpen, b.State())

	v, err = g.Execute(context.Background(), func(context.Context) (string, error) {
		t.Fatal("rejected call must not run")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached profile", v)
}

func TestGuard_attemptTimeout(t *testing.T) {
	g := &Guard[int]{
		Name:           "slow",
		Policy:         retry.Policy{MaxAttempts: 2, Clock: clock.NewAutoFake(time.Unix(0, 0))},
		AttemptTimeout: 10 * time.Millisecond,
	}
	block := make(chan struct{})
	defer close(block)

	var calls atomic.Int32
	_, err := g.Execute(context.Background(), func(context.Context) (int, error) {
		calls.Add(1)
		<-block
		return 1, nil
	})
	assert.ErrorIs(t, err, timeout.ErrTimeout)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestGuard_bare(t *testing.T) {
	g := &Guard[int]{}
	v, err := g.Execute(context.Background(), func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
