package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProgressiveLoader serves a cached value at once and refreshes it in the
// background (stale while revalidate). Without a cached value it waits for
// Loader.
type ProgressiveLoader[T any] struct {
	Store *Store
	Key   string

	// Loader fetches the fresh value. Cannot be nil.
	Loader func(ctx context.Context) (T, error)

	// Options for values written back to Store.
	TTL      time.Duration
	Priority int

	// MaxAge rejects cached values older than this. Zero means only TTL
	// applies.
	MaxAge time.Duration

	// RefreshTimeout bounds a background refresh. Default is 30s.
	RefreshTimeout time.Duration

	// ServeStale returns an expired cached value when the fresh load
	// fails, instead of the error.
	ServeStale bool

	// OnCacheData and OnFreshData are optional.
	OnCacheData func(v T)
	OnFreshData func(v T)

	wg sync.WaitGroup
}

func (l *ProgressiveLoader[T]) logger() *zap.Logger {
	return l.Store.opts.Logger
}

func (l *ProgressiveLoader[T]) store(ctx context.Context, v T) {
	_ = l.Store.Set(ctx, l.Key, v, WithTTL(l.TTL), WithPriority(l.Priority))
}

// load runs Loader once per key across concurrent callers and stores a
// successful result.
func (l *ProgressiveLoader[T]) load(ctx context.Context) (T, error) {
	var zero T
	r, err, _ := l.Store.refreshSF.Do(l.Key, func() (any, error) {
		v, err := l.Loader(ctx)
		if err != nil {
			return nil, err
		}
		l.store(ctx, v)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, ok := r.(T)
	if !ok {
		return zero, fmt.Errorf("concurrent load of %q returned %T", l.Key, r)
	}
	return v, nil
}

// Load returns the cached value if there is one, and starts a background
// refresh. Otherwise it waits for a fresh load.
func (l *ProgressiveLoader[T]) Load(ctx context.Context) (T, error) {
	if v, ok := Get[T](ctx, l.Store, l.Key, l.MaxAge); ok {
		if f := l.OnCacheData; f != nil {
			f(v)
		}
		l.refresh()
		return v, nil
	}

	v, err := l.load(ctx)
	if err == nil {
		if f := l.OnFreshData; f != nil {
			f(v)
		}
		return v, nil
	}

	if l.ServeStale {
		if e, ok := l.Store.Peek(ctx, l.Key); ok {
			if stale, derr := Decode[T](l.Store, e); derr == nil {
				l.logger().Warn("fresh load failed, serving stale value",
					zap.String("key", l.Key),
					zap.Duration("age", e.Age(l.Store.opts.Clock.Now())),
					zap.Error(err))
				if f := l.OnCacheData; f != nil {
					f(stale)
				}
				return stale, nil
			}
		}
	}
	var zero T
	return zero, err
}

func (l *ProgressiveLoader[T]) refresh() {
	timeout := l.RefreshTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		v, err := l.load(ctx)
		if err != nil {
			l.logger().Debug("background refresh failed", zap.String("key", l.Key), zap.Error(err))
			return
		}
		if f := l.OnFreshData; f != nil {
			f(v)
		}
	}()
}

// Wait blocks until background refreshes started by Load have finished.
func (l *ProgressiveLoader[T]) Wait() {
	l.wg.Wait()
}
