package clock

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Fake is a manually driven Clock for tests.
//
// In auto mode Sleep advances the clock by the requested duration and
// returns immediately. Otherwise Sleep blocks until Advance moves the clock
// past the sleeper's deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	auto    bool
	sleeps  []time.Duration
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	until time.Time
	ch    chan struct{}
}

var _ Clock = (*Fake)(nil)

// NewFake returns a manual fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// NewAutoFake returns a fake clock whose Sleep advances time immediately.
func NewAutoFake(start time.Time) *Fake {
	return &Fake{now: start, auto: true}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	if f.auto || d <= 0 {
		if d > 0 {
			f.advanceLocked(d)
		}
		f.mu.Unlock()
		return nil
	}
	w := &fakeWaiter{until: f.now.Add(d), ch: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		f.waiters = slices.DeleteFunc(f.waiters, func(x *fakeWaiter) bool { return x == w })
		f.mu.Unlock()
		return ctx.Err()
	}
}

// Advance moves the clock forward by d and wakes expired sleepers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.advanceLocked(d)
	f.mu.Unlock()
}

func (f *Fake) advanceLocked(d time.Duration) {
	f.now = f.now.Add(d)
	remain := f.waiters[:0]
	for _, w := range f.waiters {
		if !f.now.Before(w.until) {
			close(w.ch)
			continue
		}
		remain = append(remain, w)
	}
	f.waiters = remain
}

// Sleeps returns a copy of every duration passed to Sleep.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

// Waiters returns the number of goroutines blocked in Sleep.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
