package mem_cache

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/cache"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

var _ cache.MemoryTier = (*MemCache)(nil)

type Opts struct {
	// MaxSize is the maximum number of entries. Default is 100.
	MaxSize int

	// OnEvict is called for every entry evicted by capacity, outside
	// the lock. Optional.
	OnEvict func(key string, e *cache.Entry)

	Logger *zap.Logger
}

func (opts *Opts) Init() {
	utils.SetDefaultNum(&opts.MaxSize, 100)
	opts.MaxSize = utils.ClampMin(opts.MaxSize, 1)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// MemCache is the memory tier. Writes and capacity eviction happen under
// one lock so the tier never stays above MaxSize after a Set returns.
type MemCache struct {
	opts Opts

	mu sync.Mutex
	m  map[string]*cache.Entry

	evictions atomic.Uint64
}

func NewMemCache(opts Opts) *MemCache {
	opts.Init()
	return &MemCache{
		opts: opts,
		m:    make(map[string]*cache.Entry),
	}
}

func (c *MemCache) Get(key string) (*cache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	return e, ok
}

func (c *MemCache) Set(key string, e *cache.Entry) {
	c.mu.Lock()
	c.m[key] = e
	victims := c.evictLocked()
	c.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	c.evictions.Add(uint64(len(victims)))
	c.opts.Logger.Debug("memory cache evicted entries",
		zap.Int("evicted", len(victims)),
		zap.Int("max_size", c.opts.MaxSize))
	if f := c.opts.OnEvict; f != nil {
		for _, v := range victims {
			f(v.key, v.e)
		}
	}
}

type victim struct {
	key string
	e   *cache.Entry
}

// evictLocked removes the lowest priority, oldest entries once the tier is
// over capacity. At least 20% of the entries go, and always enough to get
// back to MaxSize. Ties are broken by key so the choice is deterministic.
func (c *MemCache) evictLocked() []victim {
	l := len(c.m)
	if l <= c.opts.MaxSize {
		return nil
	}
	n := max((l+4)/5, l-c.opts.MaxSize)

	all := make([]victim, 0, l)
	for k, e := range c.m {
		all = append(all, victim{key: k, e: e})
	}
	slices.SortFunc(all, func(a, b victim) int {
		return cmp.Or(
			cmp.Compare(a.e.Priority, b.e.Priority),
			a.e.CreatedAt.Compare(b.e.CreatedAt),
			cmp.Compare(a.key, b.key),
		)
	})
	victims := all[:n]
	for _, v := range victims {
		delete(c.m, v.key)
	}
	return victims
}

func (c *MemCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

func (c *MemCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]*cache.Entry)
}

func (c *MemCache) Clean(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.m {
		if e.IsExpired(now) {
			delete(c.m, k)
			removed++
		}
	}
	return removed
}

func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *MemCache) Evictions() uint64 {
	return c.evictions.Load()
}
