// Package clock provides the time source shared by the breaker, retry and
// sync components, plus the bounded jitter generator used by backoff.
package clock

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pmkol/resync/pkg/pool"
)

type Clock interface {
	// Now returns the current time. Real clocks carry a monotonic reading,
	// so Sub between two Now values is immune to wall clock jumps.
	Now() time.Time

	// Sleep blocks for d or until ctx is done, in which case it returns ctx.Err().
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the process clock.
var Real Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := pool.GetTimer(d)
	defer pool.ReleaseTimer(t)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OrReal returns c, or Real if c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real
	}
	return c
}

// JitterFunc returns a random extra delay for a base delay d.
type JitterFunc func(d time.Duration) time.Duration

// Jitter returns a uniformly distributed duration in [0, d/2],
// in whole milliseconds.
func Jitter(d time.Duration) time.Duration {
	half := d.Milliseconds() / 2
	if half <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(half+1)) * time.Millisecond
}

// NoJitter always returns 0.
func NoJitter(time.Duration) time.Duration {
	return 0
}
