package disk_cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/cache"
	"github.com/pmkol/resync/pkg/codec"
	"github.com/pmkol/resync/pkg/storage"
)

var nopLogger = zap.NewNop()

var _ cache.DiskTier = (*DiskCache)(nil)

type Opts struct {
	// Store cannot be nil. It should be owned by this DiskCache, or be a
	// storage.Prefixed namespace of a shared store.
	Store storage.Store

	// Codec encodes the envelope. Default is snappy compressed JSON.
	Codec codec.Codec

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Codec == nil {
		opts.Codec = codec.Snappy{Inner: codec.JSON{}}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// DiskCache is the persistent tier. User keys are hashed to fixed length
// storage keys; the original key is kept in the envelope and checked on
// read.
type DiskCache struct {
	opts Opts
}

func NewDiskCache(opts Opts) (*DiskCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &DiskCache{opts: opts}, nil
}

type envelope struct {
	Key         string         `json:"k"`
	Data        []byte         `json:"d"`
	CreatedAt   int64          `json:"c"` // unix ms
	TTL         int64          `json:"t"` // ms, 0 = none
	Priority    int            `json:"p"`
	Metadata    map[string]any `json:"m,omitempty"`
	ContentHash string         `json:"h"`
}

func storageKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *DiskCache) Get(ctx context.Context, key string) (*cache.Entry, error) {
	sk := storageKey(key)
	b, err := d.opts.Store.Get(ctx, sk)
	if err != nil {
		return nil, err
	}
	e, storedKey, err := d.decode(b)
	if err != nil {
		d.opts.Logger.Warn("corrupt disk cache entry deleted", zap.String("key", key), zap.Error(err))
		_ = d.opts.Store.Delete(ctx, sk)
		return nil, storage.ErrNotFound
	}
	if storedKey != key {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (d *DiskCache) decode(b []byte) (*cache.Entry, string, error) {
	var env envelope
	if err := d.opts.Codec.Unmarshal(b, &env); err != nil {
		return nil, "", err
	}
	if len(env.Key) == 0 {
		return nil, "", errors.New("envelope without key")
	}
	if cache.ContentHash(env.Data) != env.ContentHash {
		return nil, "", fmt.Errorf("content hash mismatch for %q", env.Key)
	}
	return &cache.Entry{
		Data:        cache.Raw(env.Data),
		CreatedAt:   time.UnixMilli(env.CreatedAt),
		TTL:         time.Duration(env.TTL) * time.Millisecond,
		Priority:    env.Priority,
		Metadata:    env.Metadata,
		ContentHash: env.ContentHash,
	}, env.Key, nil
}

// Set stores e. e.Data must be cache.Raw.
func (d *DiskCache) Set(ctx context.Context, key string, e *cache.Entry) error {
	raw, ok := e.Data.(cache.Raw)
	if !ok {
		return fmt.Errorf("disk cache needs serialized data, got %T", e.Data)
	}
	env := envelope{
		Key:         key,
		Data:        raw,
		CreatedAt:   e.CreatedAt.UnixMilli(),
		TTL:         e.TTL.Milliseconds(),
		Priority:    e.Priority,
		Metadata:    e.Metadata,
		ContentHash: e.ContentHash,
	}
	if len(env.ContentHash) == 0 {
		env.ContentHash = cache.ContentHash(raw)
	}
	b, err := d.opts.Codec.Marshal(&env)
	if err != nil {
		return err
	}
	return d.opts.Store.Set(ctx, storageKey(key), b)
}

func (d *DiskCache) Delete(ctx context.Context, key string) error {
	return d.opts.Store.Delete(ctx, storageKey(key))
}

func (d *DiskCache) Clear(ctx context.Context) error {
	return d.opts.Store.Clear(ctx)
}

// Clean walks every stored entry and deletes the expired and corrupt ones.
func (d *DiskCache) Clean(ctx context.Context, now time.Time) (int, error) {
	keys, err := d.opts.Store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sk := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		b, err := d.opts.Store.Get(ctx, sk)
		if err != nil {
			continue
		}
		e, _, err := d.decode(b)
		if err == nil && !e.IsExpired(now) {
			continue
		}
		if err := d.opts.Store.Delete(ctx, sk); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
