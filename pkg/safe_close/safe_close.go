package safe_close

import (
	"context"
	"sync"
)

// SafeClose owns the background goroutines of a component.
//
// Goroutines are started with Go and must return once the close signal
// fires (or their context is cancelled). CloseWait fires the signal and
// blocks until every goroutine has returned. CloseWait must not be called
// from one of those goroutines, otherwise it deadlocks.
type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closeErr error
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		ctx:    ctx,
		cancel: cancel,
	}
}

// CloseWait sends a close signal and waits for every goroutine started by
// Go. It is concurrent safe and can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
}

// SendCloseSignal sends a close signal. The first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closeErr == nil && err != nil {
		s.closeErr = err
	}
	s.cancel()
}

// Err returns the first SendCloseSignal error.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.ctx.Done()
}

// Closed reports whether the close signal was sent.
func (s *SafeClose) Closed() bool {
	return s.ctx.Err() != nil
}

// Context returns a context that is cancelled by the close signal.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Go runs f in a new goroutine tracked by CloseWait. If s was closed, f
// will not run and Go returns false.
func (s *SafeClose) Go(f func(ctx context.Context)) bool {
	s.m.Lock()
	if s.ctx.Err() != nil {
		s.m.Unlock()
		return false
	}
	s.wg.Add(1)
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
	return true
}
