// Package store defines the persistent key-value contract underneath the
// virtual file system. Keys are normalized virtual paths (see vpath); values
// are Entry records.
package store

import (
	"context"
	"errors"
	"time"
)

// Mode distinguishes directories from files. The numeric values are the
// POSIX mode words the records have always carried.
type Mode uint32

const (
	ModeDir  Mode = 0o40775  // 16893
	ModeFile Mode = 0o100666 // 33206
)

// IsDir reports whether m is the directory sentinel.
func (m Mode) IsDir() bool { return m == ModeDir }

// Valid reports whether m is one of the two known sentinels.
func (m Mode) Valid() bool { return m == ModeDir || m == ModeFile }

func (m Mode) String() string {
	switch m {
	case ModeDir:
		return "dir"
	case ModeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Entry is a single stored record.
type Entry struct {
	Timestamp time.Time
	Mode      Mode
	Contents  []byte // nil for directories
}

// NewDir returns a directory entry stamped ts.
func NewDir(ts time.Time) *Entry {
	return &Entry{Timestamp: ts, Mode: ModeDir}
}

// NewFile returns a file entry holding data.
func NewFile(data []byte, ts time.Time) *Entry {
	if data == nil {
		data = []byte{}
	}
	return &Entry{Timestamp: ts, Mode: ModeFile, Contents: data}
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Mode.IsDir() }

// Size returns the content length (0 for directories).
func (e *Entry) Size() int64 { return int64(len(e.Contents)) }

// Clone returns a deep copy, so callers cannot alias store-owned buffers.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Contents != nil {
		c.Contents = append([]byte(nil), e.Contents...)
	}
	return &c
}

var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = errors.New("store: not found")
	// ErrReadOnly is returned by writes inside a ReadOnly transaction.
	ErrReadOnly = errors.New("store: read-only transaction")
	// ErrInvalidEntry is returned for entries with an unknown mode or a
	// directory carrying contents.
	ErrInvalidEntry = errors.New("store: invalid entry")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// TxMode selects the access mode of a transaction.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
)

func (m TxMode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Tx is the view of the store inside a transaction. Reads observe the
// transaction's own staged writes.
type Tx interface {
	Get(path string) (*Entry, error)
	Put(path string, e *Entry) error
	Delete(path string) error
}

// ScanFunc is called once per stored key. Returning an error stops the scan.
type ScanFunc func(path string, e *Entry) error

// Store is a persistent, transactional path -> Entry map.
//
// Transact runs fn inside a single all-or-nothing batch: if fn returns an
// error, or the engine fails to commit, none of the batch's writes are
// visible and the error is returned.
type Store interface {
	Get(ctx context.Context, path string) (*Entry, error)
	Scan(ctx context.Context, fn ScanFunc) error
	Transact(ctx context.Context, mode TxMode, fn func(tx Tx) error) error
	Type() string
	Close() error
}

// Put stores e at path in its own read-write transaction.
func Put(ctx context.Context, s Store, path string, e *Entry) error {
	return s.Transact(ctx, ReadWrite, func(tx Tx) error {
		return tx.Put(path, e)
	})
}

// Delete removes path in its own read-write transaction. Deleting a missing
// key is not an error.
func Delete(ctx context.Context, s Store, path string) error {
	return s.Transact(ctx, ReadWrite, func(tx Tx) error {
		return tx.Delete(path)
	})
}

// Validate checks the record shape.
func Validate(e *Entry) error {
	if e == nil || !e.Mode.Valid() {
		return ErrInvalidEntry
	}
	if e.IsDir() && len(e.Contents) > 0 {
		return ErrInvalidEntry
	}
	return nil
}
