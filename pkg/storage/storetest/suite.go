// Package storetest is a conformance suite for storage.Store backends.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resync/pkg/storage"
)

// StoreFactory returns a fresh, empty Store. Teardown goes to t.Cleanup.
type StoreFactory func(t *testing.T) storage.Store

// RunConformanceSuite runs every storage.Store contract test against the
// backend built by factory.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("GetSetDelete", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.Set(ctx, "k1", []byte("v1")))
		v, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		require.NoError(t, s.Set(ctx, "k1", []byte("v2")))
		v, err = s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		require.NoError(t, s.Delete(ctx, "k1"))
		_, err = s.Get(ctx, "k1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, s.Delete(ctx, "k1"))
	})

	t.Run("ValueIsCopied", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		in := []byte("abc")
		require.NoError(t, s.Set(ctx, "k", in))
		in[0] = 'x'
		out, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), out)
	})

	t.Run("KeysAndClear", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		for _, k := range []string{"a", "b.c", "d-e_f"} {
			require.NoError(t, s.Set(ctx, k, []byte(k)))
		}
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b.c", "d-e_f"}, keys)

		require.NoError(t, s.Clear(ctx))
		keys, err = s.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for _, k := range []string{"", "../x", "a/b", ".hidden"} {
			assert.ErrorIs(t, s.Set(ctx, k, []byte("v")), storage.ErrInvalidKey, "key %q", k)
		}
	})

	t.Run("Prefixed", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		a := storage.Prefixed(s, "cache")
		b := storage.Prefixed(s, "queue")
		require.NoError(t, a.Set(ctx, "x", []byte("1")))
		require.NoError(t, b.Set(ctx, "x", []byte("2")))

		keys, err := a.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, keys)

		require.NoError(t, a.Clear(ctx))
		_, err = a.Get(ctx, "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		v, err := b.Get(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)
	})
}
