// Package timeout races an operation against a timer without aborting it.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pmkol/resync/pkg/pool"
)

// ErrTimeout matches every *TimeoutError with errors.Is.
var ErrTimeout = errors.New("operation timed out")

type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if len(e.Op) == 0 {
		return fmt.Sprintf("operation timed out after %s", e.After)
	}
	return fmt.Sprintf("%s: operation timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Timeout marks the error as a timeout for net.Error style checks.
func (e *TimeoutError) Timeout() bool {
	return true
}

type result[T any] struct {
	v   T
	err error
}

// Do runs op and returns its result, or a *TimeoutError if d elapses first.
// A d <= 0 disables the timer.
//
// op is not cancelled when the timer wins. It keeps ctx and runs to
// completion in the background; its result is dropped.
func Do[T any](ctx context.Context, name string, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return op(ctx)
	}

	c := make(chan result[T], 1)
	go func() {
		v, err := op(ctx)
		c <- result[T]{v: v, err: err}
	}()

	timer := pool.GetTimer(d)
	defer pool.ReleaseTimer(timer)

	var zero T
	select {
	case r := <-c:
		return r.v, r.err
	case <-timer.C:
		return zero, &TimeoutError{Op: name, After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Wrap returns op raced against d, for use inside retry and breaker chains.
func Wrap(name string, d time.Duration, op func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := Do(ctx, name, d, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, op(ctx)
		})
		return err
	}
}
