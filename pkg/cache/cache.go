package cache

import (
	"context"
	"time"
)

// Entry is one cached value and its bookkeeping.
type Entry struct {
	Data      any
	CreatedAt time.Time

	// TTL is zero for entries that never expire.
	TTL time.Duration

	// Priority is at least 1. Lower priorities are evicted first.
	Priority int

	Metadata map[string]any

	// ContentHash is the xxhash64 of the serialized Data in hex, usable as
	// a weak ETag. Empty for memory-only entries.
	ContentHash string
}

// IsExpired reports whether e outlived its TTL at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Age returns how long ago e was created.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Raw is serialized data read back from the disk tier. Get decodes it
// into the caller's type.
type Raw []byte

// MemoryTier is the bounded in-process tier. Implementations must be safe
// for concurrent use and return entries regardless of expiry.
type MemoryTier interface {
	Get(key string) (*Entry, bool)
	Set(key string, e *Entry)
	Delete(key string)
	Clear()
	// Clean removes entries expired at now and returns how many.
	Clean(now time.Time) int
	Len() int
	Evictions() uint64
}

// DiskTier is the persistent tier. Entries passed to and returned from it
// carry Raw data.
type DiskTier interface {
	// Get returns storage.ErrNotFound for a missing or corrupt entry.
	// Corrupt entries are deleted.
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// Clean removes entries expired at now, and corrupt ones, and returns
	// how many.
	Clean(ctx context.Context, now time.Time) (int, error)
}

// Tier identifies where a lookup was served from.
type Tier uint8

const (
	TierMiss Tier = iota
	TierMemory
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	default:
		return "miss"
	}
}
