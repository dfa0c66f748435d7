package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/resync/pkg/clock"
	"github.com/pmkol/resync/pkg/codec"
	"github.com/pmkol/resync/pkg/safe_close"
	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Memory cannot be nil.
	Memory MemoryTier

	// Disk is optional. A nil Disk makes the Store memory only.
	Disk DiskTier

	// Codec serializes values for the disk tier and the content hash.
	// Default is codec.JSON.
	Codec codec.Codec

	// CleanupInterval is the expiry sweep interval. Default is 5m.
	// A negative value disables the sweeper.
	CleanupInterval time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Memory == nil {
		return errors.New("nil memory tier")
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	utils.SetDefaultNum(&opts.CleanupInterval, 5*time.Minute)
	opts.Clock = clock.OrReal(opts.Clock)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Store is a two tier cache. Reads go memory first, then disk. Disk hits
// are promoted into memory.
type Store struct {
	opts Opts
	sc   *safe_close.SafeClose

	memoryHits atomic.Uint64
	diskHits   atomic.Uint64
	misses     atomic.Uint64

	// refreshSF dedupes loads of the same key across loaders.
	refreshSF singleflight.Group
}

func New(opts Opts) (*Store, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	s := &Store{
		opts: opts,
		sc:   safe_close.NewSafeClose(),
	}
	if opts.CleanupInterval > 0 {
		s.sc.Go(s.sweeper)
	}
	return s, nil
}

func (s *Store) sweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes expired entries from both tiers.
func (s *Store) Sweep(ctx context.Context) {
	now := s.opts.Clock.Now()
	memRemoved := s.opts.Memory.Clean(now)
	diskRemoved := 0
	if s.opts.Disk != nil {
		n, err := s.opts.Disk.Clean(ctx, now)
		if err != nil {
			s.opts.Logger.Warn("disk cache sweep failed", zap.Error(err))
		}
		diskRemoved = n
	}
	if memRemoved > 0 || diskRemoved > 0 {
		s.opts.Logger.Debug("cache sweep",
			zap.Int("memory_removed", memRemoved),
			zap.Int("disk_removed", diskRemoved))
	}
}

func (s *Store) usable(e *Entry, now time.Time, maxAge time.Duration) bool {
	if e.IsExpired(now) {
		return false
	}
	return maxAge <= 0 || e.Age(now) <= maxAge
}

// Lookup returns the entry for key. A maxAge > 0 also rejects entries
// older than maxAge. Exactly one of the hit and miss counters is
// incremented per call.
func (s *Store) Lookup(ctx context.Context, key string, maxAge time.Duration) (*Entry, Tier, bool) {
	now := s.opts.Clock.Now()

	if e, ok := s.opts.Memory.Get(key); ok && s.usable(e, now, maxAge) {
		s.memoryHits.Add(1)
		return e, TierMemory, true
	}

	if s.opts.Disk != nil {
		e, err := s.opts.Disk.Get(ctx, key)
		switch {
		case err == nil:
			if s.usable(e, now, maxAge) {
				s.opts.Memory.Set(key, e)
				s.diskHits.Add(1)
				return e, TierDisk, true
			}
		case !errors.Is(err, storage.ErrNotFound):
			s.opts.Logger.Warn("disk cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	s.misses.Add(1)
	return nil, TierMiss, false
}

// Peek returns the entry for key even if it is expired. It does not
// touch the counters and does not promote.
func (s *Store) Peek(ctx context.Context, key string) (*Entry, bool) {
	if e, ok := s.opts.Memory.Get(key); ok {
		return e, true
	}
	if s.opts.Disk != nil {
		if e, err := s.opts.Disk.Get(ctx, key); err == nil {
			return e, true
		}
	}
	return nil, false
}

// Decode returns e.Data as T, decoding Raw disk data with the store codec.
func Decode[T any](s *Store, e *Entry) (T, error) {
	var zero T
	switch v := e.Data.(type) {
	case T:
		return v, nil
	case Raw:
		var out T
		if err := s.opts.Codec.Unmarshal(v, &out); err != nil {
			return zero, err
		}
		return out, nil
	default:
		return zero, fmt.Errorf("cached value is %T, not %T", e.Data, zero)
	}
}

// Get is the typed form of Store.Lookup. A value that cannot be returned
// as T is reported as a miss.
func Get[T any](ctx context.Context, s *Store, key string, maxAge time.Duration) (T, bool) {
	var zero T
	e, _, ok := s.Lookup(ctx, key, maxAge)
	if !ok {
		return zero, false
	}
	v, err := Decode[T](s, e)
	if err != nil {
		s.opts.Logger.Warn("cached value type mismatch", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return v, true
}

type setOpts struct {
	ttl        time.Duration
	priority   int
	metadata   map[string]any
	memoryOnly bool
}

type SetOption func(o *setOpts)

func WithTTL(d time.Duration) SetOption {
	return func(o *setOpts) { o.ttl = d }
}

// WithPriority sets the eviction priority. Values below 1 are raised to 1.
func WithPriority(p int) SetOption {
	return func(o *setOpts) { o.priority = p }
}

func WithMetadata(m map[string]any) SetOption {
	return func(o *setOpts) { o.metadata = maps.Clone(m) }
}

// MemoryOnly skips the disk tier.
func MemoryOnly() SetOption {
	return func(o *setOpts) { o.memoryOnly = true }
}

// Set writes data to memory and, if it serializes, to disk. A value the
// codec cannot encode stays memory only and is not an error. The returned
// error is a disk write failure; the memory write has happened anyway.
func (s *Store) Set(ctx context.Context, key string, data any, opts ...SetOption) error {
	o := setOpts{priority: 1}
	for _, f := range opts {
		f(&o)
	}

	e := &Entry{
		Data:      data,
		CreatedAt: s.opts.Clock.Now(),
		TTL:       o.ttl,
		Priority:  utils.ClampMin(o.priority, 1),
		Metadata:  o.metadata,
	}

	if o.memoryOnly {
		s.opts.Memory.Set(key, e)
		return nil
	}

	b, err := s.opts.Codec.Marshal(data)
	if err != nil {
		s.opts.Logger.Debug("value not serializable, kept in memory only",
			zap.String("key", key),
			zap.Error(err))
		s.opts.Memory.Set(key, e)
		return nil
	}
	e.ContentHash = ContentHash(b)
	s.opts.Memory.Set(key, e)

	if s.opts.Disk == nil {
		return nil
	}
	de := *e
	de.Data = Raw(b)
	if err := s.opts.Disk.Set(ctx, key, &de); err != nil {
		s.opts.Logger.Warn("disk cache write failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Remove deletes key from both tiers.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.opts.Memory.Delete(key)
	if s.opts.Disk != nil {
		return s.opts.Disk.Delete(ctx, key)
	}
	return nil
}

// Clear empties both tiers. Counters are kept.
func (s *Store) Clear(ctx context.Context) error {
	s.opts.Memory.Clear()
	if s.opts.Disk != nil {
		return s.opts.Disk.Clear(ctx)
	}
	return nil
}

type Stats struct {
	MemorySize int     `json:"memory_size" yaml:"memory_size"`
	MemoryHits uint64  `json:"memory_hits" yaml:"memory_hits"`
	DiskHits   uint64  `json:"disk_hits" yaml:"disk_hits"`
	Misses     uint64  `json:"misses" yaml:"misses"`
	Evictions  uint64  `json:"evictions" yaml:"evictions"`
	HitRate    float64 `json:"hit_rate" yaml:"hit_rate"`
}

func (s *Store) Stats() Stats {
	mh, dh, m := s.memoryHits.Load(), s.diskHits.Load(), s.misses.Load()
	return Stats{
		MemorySize: s.opts.Memory.Len(),
		MemoryHits: mh,
		DiskHits:   dh,
		Misses:     m,
		Evictions:  s.opts.Memory.Evictions(),
		HitRate:    utils.Ratio(mh+dh, mh+dh+m),
	}
}

// Close stops the sweeper. It does not close the tiers.
func (s *Store) Close() error {
	s.sc.CloseWait()
	return nil
}

// RegisterMetrics exports the counters to reg.
func (s *Store) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "cache_hits_total",
			Help:        "Cache lookups served from a tier.",
			ConstLabels: prometheus.Labels{"tier": "memory"},
		}, func() float64 { return float64(s.memoryHits.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "cache_hits_total",
			Help:        "Cache lookups served from a tier.",
			ConstLabels: prometheus.Labels{"tier": "disk"},
		}, func() float64 { return float64(s.diskHits.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache lookups that found nothing usable.",
		}, func() float64 { return float64(s.misses.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Entries evicted from the memory tier by capacity.",
		}, func() float64 { return float64(s.opts.Memory.Evictions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_memory_entries",
			Help: "Entries held by the memory tier.",
		}, func() float64 { return float64(s.opts.Memory.Len()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ContentHash returns the hex xxhash64 of b.
func ContentHash(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
