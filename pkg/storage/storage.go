// Package storage defines the persistent byte store shared by the disk
// cache tier and the offline queue.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

// Store is a flat key/value byte store. Keys are plain identifiers made of
// [A-Za-z0-9._-] that do not start with a dot. Callers hash user keys.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error

	io.Closer
}

// ValidateKey returns an error wrapping ErrInvalidKey if key is not a
// plain identifier.
func ValidateKey(key string) error {
	if len(key) == 0 || key[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

type prefixed struct {
	s      Store
	prefix string
}

// Prefixed namespaces s under prefix so several owners can share one
// backend. Keys and Clear only see keys of the namespace. Closing the
// returned Store does not close s.
func Prefixed(s Store, prefix string) Store {
	return &prefixed{s: s, prefix: prefix + "."}
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.s.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, val []byte) error {
	return p.s.Set(ctx, p.prefix+key, val)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.s.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Keys(ctx context.Context) ([]string, error) {
	all, err := p.s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, p.prefix) {
			keys = append(keys, k[len(p.prefix):])
		}
	}
	return keys, nil
}

func (p *prefixed) Clear(ctx context.Context) error {
	keys, err := p.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (p *prefixed) Close() error {
	return nil
}
