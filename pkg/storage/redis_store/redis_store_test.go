package redis_store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/storage/storetest"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connection refused")

// fakeRedis implements the handful of commands RedisStore uses.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	m    map[string][]byte
	down atomic.Bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{m: make(map[string][]byte)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.down.Load() {
		return redis.NewStringResult("", errConnRefused)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.down.Load() {
		return redis.NewStatusResult("", errConnRefused)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = append([]byte(nil), value.([]byte)...)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.down.Load() {
		return redis.NewIntResult(0, errConnRefused)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.m[k]; ok {
			delete(f.m, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	if f.down.Load() {
		return redis.NewScanCmdResult(nil, 0, errConnRefused)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	if f.down.Load() {
		return redis.NewStatusResult("", errConnRefused)
	}
	return redis.NewStatusResult("PONG", nil)
}

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) storage.Store {
		s, err := New(Opts{Client: newFakeRedis()})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestRedisStore_keyPrefix(t *testing.T) {
	f := newFakeRedis()
	f.m["other:k"] = []byte("foreign")
	s, err := New(Opts{Client: f, KeyPrefix: "app:"})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	assert.Equal(t, []byte("v"), f.m["app:k"])

	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, []byte("foreign"), f.m["other:k"])
	assert.NotContains(t, f.m, "app:k")
}

func TestRedisStore_disableAndRecover(t *testing.T) {
	f := newFakeRedis()
	s, err := New(Opts{Client: f})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	f.down.Store(true)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, errConnRefused)
	assert.True(t, s.Disabled())

	err = s.Set(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, ErrDisabled)

	f.down.Store(false)
	assert.Eventually(t, func() bool { return !s.Disabled() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
}

func TestRedisStore_closeStopsReconnect(t *testing.T) {
	f := newFakeRedis()
	s, err := New(Opts{Client: f})
	require.NoError(t, err)

	f.down.Store(true)
	_, _ = s.Get(context.Background(), "k")
	require.True(t, s.Disabled())

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the reconnect loop")
	}
}

func TestOpts_nilClient(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
}
