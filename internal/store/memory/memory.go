// Package memory provides an in-process Store. Transactions stage their
// writes in an overlay and apply them only when the callback succeeds, which
// gives the same all-or-nothing behavior as the persistent backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vaultfs/vaultfs/internal/store"
)

// FailFunc decides whether an operation should fail. op is one of "get",
// "put", "delete" or "commit"; path is empty for "commit".
type FailFunc func(op, path string) error

// Store is a map-backed store.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*store.Entry
	closed  bool
	failOn  FailFunc
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*store.Entry)}
}

// Type returns the backend name.
func (s *Store) Type() string { return "memory" }

// FailOn installs a fault injector consulted by every transactional
// operation. Pass nil to clear it.
func (s *Store) FailOn(fn FailFunc) {
	s.mu.Lock()
	s.failOn = fn
	s.mu.Unlock()
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns all stored keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a copy of the entry stored at path.
func (s *Store) Get(ctx context.Context, path string) (*store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	e, ok := s.entries[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, store.ErrNotFound)
	}
	return e.Clone(), nil
}

// Scan calls fn for a snapshot of every entry.
func (s *Store) Scan(ctx context.Context, fn store.ScanFunc) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.ErrClosed
	}
	snapshot := make(map[string]*store.Entry, len(s.entries))
	for k, e := range s.entries {
		snapshot[k] = e.Clone()
	}
	s.mu.RUnlock()

	for k, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, e); err != nil {
			return err
		}
	}
	return nil
}

// Transact runs fn against a staged view of the store. Writers are
// serialized; readers share the lock.
func (s *Store) Transact(ctx context.Context, mode store.TxMode, fn func(tx store.Tx) error) error {
	if mode == store.ReadWrite {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	if s.closed {
		return store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &tx{s: s, mode: mode, staged: make(map[string]*store.Entry)}
	if err := fn(tx); err != nil {
		return err
	}
	if mode == store.ReadOnly {
		return nil
	}
	if err := s.fail("commit", ""); err != nil {
		return err
	}
	for k, e := range tx.staged {
		if e == nil {
			delete(s.entries, k)
		} else {
			s.entries[k] = e
		}
	}
	return nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) fail(op, path string) error {
	if s.failOn == nil {
		return nil
	}
	return s.failOn(op, path)
}

type tx struct {
	s      *Store
	mode   store.TxMode
	staged map[string]*store.Entry // nil value marks a delete
}

func (t *tx) Get(path string) (*store.Entry, error) {
	if err := t.s.fail("get", path); err != nil {
		return nil, err
	}
	if e, ok := t.staged[path]; ok {
		if e == nil {
			return nil, fmt.Errorf("%s: %w", path, store.ErrNotFound)
		}
		return e.Clone(), nil
	}
	e, ok := t.s.entries[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, store.ErrNotFound)
	}
	return e.Clone(), nil
}

func (t *tx) Put(path string, e *store.Entry) error {
	if t.mode != store.ReadWrite {
		return store.ErrReadOnly
	}
	if err := store.Validate(e); err != nil {
		return err
	}
	if err := t.s.fail("put", path); err != nil {
		return err
	}
	t.staged[path] = e.Clone()
	return nil
}

func (t *tx) Delete(path string) error {
	if t.mode != store.ReadWrite {
		return store.ErrReadOnly
	}
	if err := t.s.fail("delete", path); err != nil {
		return err
	}
	t.staged[path] = nil
	return nil
}
