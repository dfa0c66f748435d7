package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/clock"
	"github.com/pmkol/resync/pkg/timeout"
)

var errConn = errors.New("connection reset by peer")

func testPolicy(p Policy) (Policy, *clock.Fake) {
	c := clock.NewAutoFake(time.Unix(0, 0))
	p.Clock = c
	return p, c
}

func TestExecute_exhaustion(t *testing.T) {
	p, _ := testPolicy(Policy{MaxAttempts: 3, InitialDelay: time.Millisecond})
	calls := 0
	err := p.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return errConn
	})
	assert.Equal(t, 3, calls)
	assert.Same(t, errConn, err)
}

func TestExecute_wrapExhausted(t *testing.T) {
	p, _ := testPolicy(Policy{MaxAttempts: 2, WrapExhausted: true})
	err := p.Execute(context.Background(), "op", func(context.Context) error { return errConn })

	var mre *MaxRetriesExceededError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, 2, mre.Attempts)
	assert.ErrorIs(t, err, errConn)
}

func TestExecute_nonRetryableStopsImmediately(t *testing.T) {
	p, c := testPolicy(Default)
	permanent := errors.New("invalid payload")
	calls := 0
	err := p.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
	assert.Empty(t, c.Sleeps())
}

func TestExecute_succeedsAfterRetry(t *testing.T) {
	p, c := testPolicy(Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2})
	calls := 0
	err := p.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errConn
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, c.Sleeps())
}

func TestExecute_backoffMonotonic(t *testing.T) {
	p, c := testPolicy(Policy{
		MaxAttempts:       10,
		InitialDelay:      300 * time.Millisecond,
		BackoffMultiplier: 1.7,
		MaxDelay:          3 * time.Second,
		UseJitter:         true,
		Jitter:            func(d time.Duration) time.Duration { return time.Duration(d.Milliseconds()/2) * time.Millisecond },
	})
	_ = p.Execute(context.Background(), "op", func(context.Context) error { return errConn })

	sleeps := c.Sleeps()
	require.Len(t, sleeps, 9)
	for i, s := range sleeps {
		assert.LessOrEqual(t, s, 3*time.Second+1500*time.Millisecond)
		assert.Zero(t, s%time.Millisecond)
		if i > 0 {
			assert.GreaterOrEqual(t, s, sleeps[i-1])
		}
	}
}

func TestExecute_jitterBounds(t *testing.T) {
	p, c := testPolicy(Policy{
		MaxAttempts:       4,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          time.Minute,
		UseJitter:         true,
	})
	_ = p.Execute(context.Background(), "op", func(context.Context) error { return errConn })

	base := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	sleeps := c.Sleeps()
	require.Len(t, sleeps, 3)
	for i, s := range sleeps {
		assert.GreaterOrEqual(t, s, base[i])
		assert.LessOrEqual(t, s, base[i]+base[i]/2)
	}
}

func TestNextDelay(t *testing.T) {
	p := Policy{BackoffMultiplier: 1.5, MaxDelay: 10 * time.Second}
	assert.Equal(t, 3*time.Second, p.NextDelay(2*time.Second))
	assert.Equal(t, 10*time.Second, p.NextDelay(9*time.Second))
	assert.Equal(t, 2*time.Millisecond, Policy{BackoffMultiplier: 1.5}.NextDelay(time.Millisecond))
}

func TestExecute_ctxDoneDuringSleep(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, Clock: clock.NewFake(time.Unix(0, 0))}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(ctx, "op", func(context.Context) error { return errConn })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Same(t, errConn, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on cancelled context")
	}
}

func TestIsRetryable(t *testing.T) {
	openErr := &circuit_breaker.CircuitOpenError{Name: "api"}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", openErr, false},
		{"circuit open with timeout text", fmt.Errorf("timeout: %w", openErr), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout error", &timeout.TimeoutError{After: time.Second}, true},
		{"transient", &TransientNetworkError{Err: errors.New("x")}, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"socket text", errors.New("Socket closed"), true},
		{"unreachable text", errors.New("host unreachable"), true},
		{"permanent", errors.New("bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err, nil))
		})
	}
}

func TestIsRetryable_callerTaxonomy(t *testing.T) {
	errRateLimited := errors.New("rate limited")
	pred := MatchAny(errRateLimited)
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", errRateLimited), pred))
	assert.False(t, IsRetryable(errors.New("bad request"), pred))
}

func TestPresets(t *testing.T) {
	p, err := PresetByName("conservative")
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.InitialDelay)
	assert.Equal(t, 1.5, p.BackoffMultiplier)

	p, err = PresetByName("aggressive")
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)

	p, err = PresetByName("none")
	require.NoError(t, err)
	assert.Equal(t, 1, p.MaxAttempts)

	_, err = PresetByName("bogus")
	assert.Error(t, err)
}

func TestDo(t *testing.T) {
	p, _ := testPolicy(Policy{MaxAttempts: 2})
	calls := 0
	v, err := Do(context.Background(), p, "op", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errConn
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}
