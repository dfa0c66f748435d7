package badger_store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) storage.Store {
		s, err := New(Opts{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestBadgerStore_reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(Opts{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "offline_queue", []byte("[]")))
	require.NoError(t, s.Close())

	s, err = New(Opts{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "offline_queue")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(v))
}

func TestOpts_requiresDir(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
}
