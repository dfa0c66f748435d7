package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/clock"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

// Policy is an immutable retry configuration. The zero value runs an
// operation once. A Policy is safe for concurrent use.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	UseJitter         bool

	// Retryable is the caller's error taxonomy. It widens, never narrows,
	// the built-in transient heuristic.
	Retryable func(err error) bool

	// WrapExhausted returns *MaxRetriesExceededError instead of the last
	// error once attempts run out.
	WrapExhausted bool

	// OnRetry is called before each backoff sleep. Optional.
	OnRetry func(op string, attempt int, delay time.Duration, err error)

	Clock  clock.Clock
	Jitter clock.JitterFunc
	Logger *zap.Logger
}

var (
	Default = Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		UseJitter:         true,
	}
	Conservative = Policy{
		MaxAttempts:       2,
		InitialDelay:      2 * time.Second,
		BackoffMultiplier: 1.5,
		MaxDelay:          10 * time.Second,
		UseJitter:         true,
	}
	Aggressive = Policy{
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		UseJitter:         true,
	}
	None = Policy{
		MaxAttempts: 1,
	}
)

// PresetByName returns a preset policy by its config name.
func PresetByName(name string) (Policy, error) {
	switch name {
	case "", "default":
		return Default, nil
	case "conservative":
		return Conservative, nil
	case "aggressive":
		return Aggressive, nil
	case "none":
		return None, nil
	default:
		return Policy{}, fmt.Errorf("unknown retry preset %q", name)
	}
}

// WithLogger returns a copy of p that logs to lg.
func (p Policy) WithLogger(lg *zap.Logger) Policy {
	p.Logger = lg
	return p
}

// WithClock returns a copy of p that sleeps on c.
func (p Policy) WithClock(c clock.Clock) Policy {
	p.Clock = c
	return p
}

// NextDelay returns the delay following d: d*BackoffMultiplier rounded to
// the nearest millisecond, capped at MaxDelay.
func (p Policy) NextDelay(d time.Duration) time.Duration {
	m := p.BackoffMultiplier
	if m < 1 {
		m = 1
	}
	next := utils.RoundMillis(float64(d) * m)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// Execute runs op until it succeeds, fails with a non-retryable error,
// or MaxAttempts is reached. The returned error is op's own last error.
// If ctx ends during a backoff sleep, the last op error is returned.
func (p Policy) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	maxAttempts := utils.ClampMin(p.MaxAttempts, 1)
	c := clock.OrReal(p.Clock)
	jitter := p.Jitter
	if jitter == nil {
		jitter = clock.Jitter
	}
	lg := p.Logger
	if lg == nil {
		lg = nopLogger
	}

	delay := utils.RoundMillis(float64(p.InitialDelay))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if !IsRetryable(err, p.Retryable) {
			return err
		}
		if attempt >= maxAttempts {
			if maxAttempts > 1 {
				lg.Debug("retry attempts exhausted",
					zap.String("op", name),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			if p.WrapExhausted {
				return &MaxRetriesExceededError{Op: name, Attempts: attempt, Err: err}
			}
			return err
		}

		sleep := delay
		if p.UseJitter {
			sleep += jitter(delay)
		}
		lg.Debug("operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", sleep),
			zap.Error(err))
		if f := p.OnRetry; f != nil {
			f(name, attempt, sleep, err)
		}
		if sleepErr := c.Sleep(ctx, sleep); sleepErr != nil {
			return err
		}
		delay = p.NextDelay(delay)
	}
}

// Do is the value returning form of Policy.Execute.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
