package file_store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) storage.Store {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestFileStore_persistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "offline_queue", []byte(`[{"id":"a"}]`)))

	s2, err := New(dir)
	require.NoError(t, err)
	b, err := s2.Get(ctx, "offline_queue")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, string(b))
}

func TestFileStore_removesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".tmp-123")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	s, err := New(dir)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}
