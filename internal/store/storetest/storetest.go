// Package storetest holds behavior tests shared by every store.Store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/store"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) store.Store

var errBoom = errors.New("boom")

// Run exercises the store.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := open(t, newStore)
		_, err := s.Get(context.Background(), "/nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, store.Put(ctx, s, "/a", store.NewDir(ts)))
		require.NoError(t, store.Put(ctx, s, "/a/f.txt", store.NewFile([]byte("hello"), ts)))

		dir, err := s.Get(ctx, "/a")
		require.NoError(t, err)
		assert.True(t, dir.IsDir())
		assert.Empty(t, dir.Contents)

		f, err := s.Get(ctx, "/a/f.txt")
		require.NoError(t, err)
		assert.Equal(t, store.ModeFile, f.Mode)
		assert.Equal(t, []byte("hello"), f.Contents)
		assert.True(t, ts.Equal(f.Timestamp), "timestamp %v != %v", f.Timestamp, ts)

		require.NoError(t, store.Delete(ctx, s, "/a/f.txt"))
		_, err = s.Get(ctx, "/a/f.txt")
		assert.ErrorIs(t, err, store.ErrNotFound)

		// Deleting a missing key is fine.
		require.NoError(t, store.Delete(ctx, s, "/a/f.txt"))
	})

	t.Run("EmptyFileKeepsFileMode", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, s, "/empty", store.NewFile(nil, time.Now())))
		e, err := s.Get(ctx, "/empty")
		require.NoError(t, err)
		assert.False(t, e.IsDir())
		assert.Equal(t, int64(0), e.Size())
	})

	t.Run("RejectsInvalidEntry", func(t *testing.T) {
		s := open(t, newStore)
		err := store.Put(context.Background(), s, "/bad", &store.Entry{Mode: 0o777})
		assert.ErrorIs(t, err, store.ErrInvalidEntry)
	})

	t.Run("Scan", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, s.Transact(ctx, store.ReadWrite, func(tx store.Tx) error {
			for _, p := range []string{"/a", "/a/b", "/c"} {
				if err := tx.Put(p, store.NewDir(now)); err != nil {
					return err
				}
			}
			return tx.Put("/a/b/f", store.NewFile([]byte("x"), now))
		}))

		seen := map[string]store.Mode{}
		require.NoError(t, s.Scan(ctx, func(p string, e *store.Entry) error {
			seen[p] = e.Mode
			return nil
		}))
		assert.Equal(t, map[string]store.Mode{
			"/a":     store.ModeDir,
			"/a/b":   store.ModeDir,
			"/c":     store.ModeDir,
			"/a/b/f": store.ModeFile,
		}, seen)

		err := s.Scan(ctx, func(string, *store.Entry) error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("TransactionIsAllOrNothing", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, store.Put(ctx, s, "/keep", store.NewFile([]byte("v1"), now)))

		err := s.Transact(ctx, store.ReadWrite, func(tx store.Tx) error {
			if err := tx.Put("/new", store.NewDir(now)); err != nil {
				return err
			}
			if err := tx.Put("/keep", store.NewFile([]byte("v2"), now)); err != nil {
				return err
			}
			if err := tx.Delete("/keep"); err != nil {
				return err
			}
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)

		_, err = s.Get(ctx, "/new")
		assert.ErrorIs(t, err, store.ErrNotFound)
		e, err := s.Get(ctx, "/keep")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), e.Contents)
	})

	t.Run("TransactionSeesOwnWrites", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, store.Put(ctx, s, "/old", store.NewFile([]byte("x"), now)))

		require.NoError(t, s.Transact(ctx, store.ReadWrite, func(tx store.Tx) error {
			if err := tx.Put("/staged", store.NewFile([]byte("y"), now)); err != nil {
				return err
			}
			e, err := tx.Get("/staged")
			if err != nil {
				return err
			}
			if string(e.Contents) != "y" {
				t.Errorf("staged contents = %q", e.Contents)
			}
			if err := tx.Delete("/old"); err != nil {
				return err
			}
			if _, err := tx.Get("/old"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("deleted key visible in tx: %v", err)
			}
			return nil
		}))
	})

	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) {
		s := open(t, newStore)
		err := s.Transact(context.Background(), store.ReadOnly, func(tx store.Tx) error {
			return tx.Put("/x", store.NewDir(time.Now()))
		})
		assert.ErrorIs(t, err, store.ErrReadOnly)
	})
}

func open(t *testing.T, newStore Factory) store.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
