/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_store

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/safe_close"
	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

var _ storage.Store = (*RedisStore)(nil)

// ErrDisabled is returned while the client is disabled after a transport
// error. A background ping re-enables it.
var ErrDisabled = errors.New("redis client temporarily disabled")

type Opts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// KeyPrefix is prepended to every key. Default is "resync:".
	KeyPrefix string

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisStore.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultString(&opts.KeyPrefix, "resync:")
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisStore struct {
	opts           Opts
	clientDisabled atomic.Bool
	sc             *safe_close.SafeClose
}

func New(opts Opts) (*RedisStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisStore{
		opts: opts,
		sc:   safe_close.NewSafeClose(),
	}, nil
}

// Disabled reports whether the client is disabled.
func (r *RedisStore) Disabled() bool {
	return r.clientDisabled.Load()
}

func (r *RedisStore) disableClient() {
	if !r.clientDisabled.CompareAndSwap(false, true) {
		return
	}
	r.opts.Logger.Warn("redis temporarily disabled")
	started := r.sc.Go(func(ctx context.Context) {
		const maxBackoff = time.Second * 30
		backoff := time.Millisecond * 100
		for {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, time.Millisecond*500)
			err := r.opts.Client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				if backoff >= maxBackoff {
					backoff = maxBackoff
				} else {
					backoff += time.Duration(rand.IntN(1000))*time.Millisecond + time.Second
				}
				r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
				continue
			}
			r.clientDisabled.Store(false)
			r.opts.Logger.Info("redis re-enabled")
			return
		}
	})
	if !started {
		r.clientDisabled.Store(false)
	}
}

func (r *RedisStore) key(k string) string {
	return r.opts.KeyPrefix + k
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.Disabled() {
		return nil, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, storage.ErrNotFound
		}
		r.opts.Logger.Warn("redis get", zap.Error(err))
		r.disableClient()
		return nil, err
	}
	return b, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, val []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if r.Disabled() {
		return ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.key(key), val, 0).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
		return err
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.del(ctx, r.key(key))
}

func (r *RedisStore) del(ctx context.Context, keys ...string) error {
	if r.Disabled() {
		return ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, keys...).Err(); err != nil {
		r.opts.Logger.Warn("redis del", zap.Error(err))
		r.disableClient()
		return err
	}
	return nil
}

// Keys scans the key space of KeyPrefix.
func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	raw, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k[len(r.opts.KeyPrefix):])
	}
	return keys, nil
}

func (r *RedisStore) scan(ctx context.Context) ([]string, error) {
	if r.Disabled() {
		return nil, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := r.opts.Client.Scan(ctx, cursor, r.opts.KeyPrefix+"*", 256).Result()
		if err != nil {
			r.opts.Logger.Warn("redis scan", zap.Error(err))
			r.disableClient()
			return nil, err
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Clear deletes every key under KeyPrefix. Keys of other owners on the
// same redis db are untouched.
func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.del(ctx, keys...)
}

// Close stops the reconnect loop and closes the redis client.
func (r *RedisStore) Close() error {
	r.sc.CloseWait()
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
