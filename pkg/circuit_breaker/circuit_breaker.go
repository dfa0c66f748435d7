package circuit_breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/clock"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

// ErrOpen matches every *CircuitOpenError with errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CircuitOpenError is returned when a call is rejected without running.
// It is never retryable.
type CircuitOpenError struct {
	Name         string
	FailureCount int
	NextRetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open after %d failures, next probe at %s",
		e.Name, e.FailureCount, e.NextRetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrOpen
}

type Opts struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default is 5.
	FailureThreshold int

	// RetryDelay is how long the circuit stays open before a probe call
	// is let through. Default is 60s.
	RetryDelay time.Duration

	// HalfOpenMaxCalls bounds concurrent probe calls. Default is 1.
	HalfOpenMaxCalls int

	// IsFailure decides whether an error counts against the breaker.
	// Nil counts every non-nil error. An error it rejects is neutral: it
	// neither counts nor resets the failure count, and a half-open probe
	// ending with it leaves the breaker half-open.
	IsFailure func(err error) bool

	// OnStateChange is called after every transition, outside the
	// breaker lock. Optional.
	OnStateChange func(name string, from, to State)

	Clock  clock.Clock
	Logger *zap.Logger
}

func (opts *Opts) Init() {
	utils.SetDefaultNum(&opts.FailureThreshold, 5)
	utils.SetDefaultNum(&opts.RetryDelay, time.Minute)
	utils.SetDefaultNum(&opts.HalfOpenMaxCalls, 1)
	opts.Clock = clock.OrReal(opts.Clock)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Breaker is a failure gate for a single remote dependency.
type Breaker struct {
	name string
	opts Opts

	mu               sync.Mutex
	state            State
	generation       uint64
	failureCount     int
	lastFailureAt    time.Time
	nextRetryAt      time.Time
	halfOpenInflight int

	rejected atomic.Uint64
}

type transition struct {
	from, to State
}

func New(name string, opts Opts) *Breaker {
	opts.Init()
	return &Breaker{
		name: name,
		opts: opts,
	}
}

func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op if the breaker allows it. It returns *CircuitOpenError
// when the call is rejected, otherwise op's own error, unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) (err error) {
	gen, err := b.allow()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			b.record(gen, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	err = op(ctx)
	b.record(gen, err)
	return err
}

// Do is the value returning form of Breaker.Execute.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	now := b.opts.Clock.Now()
	var tr []transition

	if b.state == StateOpen && !now.Before(b.nextRetryAt) {
		tr = append(tr, b.setStateLocked(StateHalfOpen))
	}

	switch b.state {
	case StateOpen:
		err := b.openErrLocked()
		b.mu.Unlock()
		b.rejected.Add(1)
		return 0, err
	case StateHalfOpen:
		if b.halfOpenInflight >= b.opts.HalfOpenMaxCalls {
			err := b.openErrLocked()
			b.mu.Unlock()
			b.notify(tr)
			b.rejected.Add(1)
			return 0, err
		}
		b.halfOpenInflight++
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(tr)
	return gen, nil
}

func (b *Breaker) record(gen uint64, err error) {
	failed := err != nil
	neutral := failed && b.opts.IsFailure != nil && !b.opts.IsFailure(err)

	b.mu.Lock()
	if gen != b.generation {
		// The state moved on while this call was in flight.
		b.mu.Unlock()
		return
	}

	var tr []transition
	switch {
	case neutral:
		if b.state == StateHalfOpen {
			b.halfOpenInflight--
		}
	case b.state == StateClosed:
		if !failed {
			b.failureCount = 0
			break
		}
		b.failureCount++
		b.lastFailureAt = b.opts.Clock.Now()
		if b.failureCount >= b.opts.FailureThreshold {
			tr = append(tr, b.setStateLocked(StateOpen))
		}
	case b.state == StateHalfOpen:
		b.halfOpenInflight--
		if !failed {
			tr = append(tr, b.setStateLocked(StateClosed))
			break
		}
		b.failureCount++
		b.lastFailureAt = b.opts.Clock.Now()
		tr = append(tr, b.setStateLocked(StateOpen))
	}
	b.mu.Unlock()
	b.notify(tr)
}

// setStateLocked must be called with b.mu held.
func (b *Breaker) setStateLocked(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	b.generation++
	b.halfOpenInflight = 0
	switch to {
	case StateOpen:
		b.nextRetryAt = b.opts.Clock.Now().Add(b.opts.RetryDelay)
	case StateClosed:
		b.failureCount = 0
		b.nextRetryAt = time.Time{}
	}
	return t
}

func (b *Breaker) openErrLocked() *CircuitOpenError {
	return &CircuitOpenError{
		Name:         b.name,
		FailureCount: b.failureCount,
		NextRetryAt:  b.nextRetryAt,
	}
}

func (b *Breaker) notify(tr []transition) {
	for _, t := range tr {
		switch t.to {
		case StateOpen:
			b.opts.Logger.Warn("circuit breaker opened",
				zap.String("name", b.name),
				zap.String("from", t.from.String()),
				zap.Duration("retry_delay", b.opts.RetryDelay))
		case StateHalfOpen:
			b.opts.Logger.Debug("circuit breaker half open", zap.String("name", b.name))
		case StateClosed:
			b.opts.Logger.Info("circuit breaker closed",
				zap.String("name", b.name),
				zap.String("from", t.from.String()))
		}
		if f := b.opts.OnStateChange; f != nil {
			f(b.name, t.from, t.to)
		}
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr []transition
	if b.state != StateClosed {
		tr = append(tr, b.setStateLocked(StateClosed))
	} else {
		b.failureCount = 0
	}
	b.lastFailureAt = time.Time{}
	b.mu.Unlock()
	b.notify(tr)
}

// State returns the current state. An open breaker whose retry delay has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type Snapshot struct {
	Name          string    `json:"name" yaml:"name"`
	State         string    `json:"state" yaml:"state"`
	FailureCount  int       `json:"failure_count" yaml:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty" yaml:"last_failure_at,omitempty"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`
	Rejected      uint64    `json:"rejected" yaml:"rejected"`

	state State
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		NextRetryAt:   b.nextRetryAt,
		Rejected:      b.rejected.Load(),
		state:         b.state,
	}
}
