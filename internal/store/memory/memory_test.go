package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestFailOnCommitDiscardsBatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("disk full")
	s.FailOn(func(op, path string) error {
		if op == "commit" {
			return boom
		}
		return nil
	})

	err := store.Put(ctx, s, "/a", store.NewDir(time.Now()))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())

	s.FailOn(nil)
	require.NoError(t, store.Put(ctx, s, "/a", store.NewDir(time.Now())))
	assert.Equal(t, []string{"/a"}, s.Keys())
}

func TestFailOnPath(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.FailOn(func(op, path string) error {
		if op == "put" && path == "/b" {
			return errors.New("injected")
		}
		return nil
	})

	err := s.Transact(ctx, store.ReadWrite, func(tx store.Tx) error {
		if err := tx.Put("/a", store.NewDir(time.Now())); err != nil {
			return err
		}
		return tx.Put("/b", store.NewDir(time.Now()))
	})
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, s, "/f", store.NewFile([]byte("abc"), time.Now())))

	e, err := s.Get(ctx, "/f")
	require.NoError(t, err)
	e.Contents[0] = 'z'

	again, err := s.Get(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Contents)
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "/")
	assert.ErrorIs(t, err, store.ErrClosed)
}
