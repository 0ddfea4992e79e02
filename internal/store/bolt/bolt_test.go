package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(Config{Path: filepath.Join(t.TempDir(), "vfs.db"), NoSync: true})
		require.NoError(t, err)
		return s
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vfs.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, s, "/docs", store.NewDir(time.Now())))
	require.NoError(t, store.Put(ctx, s, "/docs/a.txt", store.NewFile([]byte("persisted"), time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Get(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(e.Contents))
	assert.Equal(t, path, s.Path())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
