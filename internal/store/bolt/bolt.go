// Package bolt implements store.Store on an embedded bbolt database. Every
// entry lives in a single bucket keyed by its virtual path.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/store"
)

// Bucket holds all entries.
var Bucket = []byte("FILE_DATA")

// Config holds bolt store configuration.
type Config struct {
	Path        string        `json:"path"`
	OpenTimeout time.Duration `json:"open_timeout"`
	NoSync      bool          `json:"no_sync"`
}

// Store is a bbolt-backed store.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path is required")
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.OpenTimeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(Bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Type returns the backend name.
func (s *Store) Type() string { return "bolt" }

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the entry at path.
func (s *Store) Get(ctx context.Context, path string) (*store.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("bolt", "get", time.Since(start)) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e *store.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = get(tx.Bucket(Bucket), path)
		return err
	})
	return e, err
}

// Scan calls fn for every entry inside one read transaction.
func (s *Store) Scan(ctx context.Context, fn store.ScanFunc) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("bolt", "scan", time.Since(start)) }()

	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(Bucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := store.Unmarshal(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			return fn(string(k), e)
		})
	})
}

// Transact maps ReadWrite to a bolt Update and ReadOnly to a View. bolt rolls
// the transaction back whenever fn returns an error.
func (s *Store) Transact(ctx context.Context, mode store.TxMode, fn func(tx store.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("bolt", "tx_"+mode.String(), time.Since(start)) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	run := func(btx *bolt.Tx) error {
		return fn(&tx{b: btx.Bucket(Bucket), writable: btx.Writable()})
	}
	if mode == store.ReadWrite {
		return s.db.Update(run)
	}
	return s.db.View(run)
}

type tx struct {
	b        *bolt.Bucket
	writable bool
}

func (t *tx) Get(path string) (*store.Entry, error) {
	return get(t.b, path)
}

func (t *tx) Put(path string, e *store.Entry) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	data, err := store.Marshal(e)
	if err != nil {
		return err
	}
	return t.b.Put([]byte(path), data)
}

func (t *tx) Delete(path string) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	return t.b.Delete([]byte(path))
}

func get(b *bolt.Bucket, path string) (*store.Entry, error) {
	v := b.Get([]byte(path))
	if v == nil {
		return nil, fmt.Errorf("%s: %w", path, store.ErrNotFound)
	}
	// v is only valid for the life of the transaction; Unmarshal copies it.
	return store.Unmarshal(v)
}
