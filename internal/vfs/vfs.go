// Package vfs implements a hierarchical file system over a transactional
// key-value store. Every mutation enumerates the paths it touches, writes
// them in a single store transaction and only then patches the in-memory
// directory index and publishes events. A failed transaction leaves the
// store untouched and triggers a full index rebuild.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/archive"
	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/index"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

// Publisher receives events after the change they describe is committed.
type Publisher interface {
	Publish(events.Event)
}

// Options configures a VFS.
type Options struct {
	// ArchiveFormat is used for directory downloads. Defaults to zip.
	ArchiveFormat archive.Format
	// Publisher may be nil.
	Publisher Publisher
	// Now stamps new directories and files without a modification time.
	Now func() time.Time
}

// VFS is the file system. Operations on one VFS are serialized.
type VFS struct {
	mu     sync.Mutex
	store  store.Store
	index  *index.Index
	pub    Publisher
	format archive.Format
	now    func() time.Time
}

// EntryInfo describes a listed path.
type EntryInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// New returns a VFS over s. Call Refresh before use to load the index.
func New(s store.Store, opts Options) *VFS {
	if opts.ArchiveFormat == "" {
		opts.ArchiveFormat = archive.FormatZip
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &VFS{
		store:  s,
		index:  index.New(),
		pub:    opts.Publisher,
		format: opts.ArchiveFormat,
		now:    opts.Now,
	}
}

// Refresh rebuilds the directory index from a full store scan.
func (v *VFS) Refresh(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpRefresh, vpath.Root, start, err) }()

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.index.Rebuild(ctx, v.store); err != nil {
		return newError(OpRefresh, "", fmt.Errorf("%w: %w", ErrTransactionAborted, err))
	}
	logging.WithContext(ctx).Debug("index rebuilt", zap.Int("directories", v.index.Len()))
	return nil
}

// ─── Read surface ───────────────────────────────────────────────────────────

// IsDir reports whether path is a directory.
func (v *VFS) IsDir(path string) bool {
	p, err := vpath.Clean(path)
	if err != nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.index.IsDir(p)
}

// Exists reports whether path is the root or a known entry.
func (v *VFS) Exists(path string) bool {
	p, err := vpath.Clean(path)
	if err != nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.index.Has(p)
}

// List returns the paths below dir, depth-first. Only immediate children are
// returned unless recursive is set.
func (v *VFS) List(dir string, recursive bool) ([]string, error) {
	p, err := v.clean(OpList, dir)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.index.IsDir(p) {
		return nil, notFound(OpList, p)
	}
	return slices.Collect(v.index.List(p, recursive)), nil
}

// ReadDir is List with each entry's metadata, read in one transaction.
func (v *VFS) ReadDir(ctx context.Context, dir string, recursive bool) ([]EntryInfo, error) {
	p, err := v.clean(OpList, dir)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.index.IsDir(p) {
		return nil, notFound(OpList, p)
	}

	paths := slices.Collect(v.index.List(p, recursive))
	infos := make([]EntryInfo, 0, len(paths))
	err = v.transact(ctx, OpList, p, store.ReadOnly, func(tx store.Tx) error {
		for _, path := range paths {
			e, err := tx.Get(path)
			if err != nil {
				return err
			}
			infos = append(infos, info(path, e))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Stat returns the entry stored at path. The root reports as a directory
// with a zero timestamp.
func (v *VFS) Stat(ctx context.Context, path string) (*store.Entry, error) {
	p, err := v.clean(OpStat, path)
	if err != nil {
		return nil, err
	}
	if p == vpath.Root {
		return &store.Entry{Mode: store.ModeDir}, nil
	}
	e, err := v.store.Get(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(OpStat, p)
	}
	if err != nil {
		return nil, newError(OpStat, p, err)
	}
	return e, nil
}

// Info is Stat in listing form.
func (v *VFS) Info(ctx context.Context, path string) (EntryInfo, error) {
	e, err := v.Stat(ctx, path)
	if err != nil {
		return EntryInfo{}, err
	}
	p, _ := vpath.Clean(path)
	return info(p, e), nil
}

func info(path string, e *store.Entry) EntryInfo {
	return EntryInfo{
		Path:    path,
		Name:    vpath.Base(path),
		IsDir:   e.IsDir(),
		Size:    e.Size(),
		ModTime: e.Timestamp,
	}
}

// ─── Internals ──────────────────────────────────────────────────────────────

// node is one path of an affected set.
type node struct {
	path string
	dir  bool
}

// subtree returns root followed by all of its descendants, parents before
// children.
func (v *VFS) subtree(root string) []node {
	nodes := []node{{path: root, dir: v.index.IsDir(root)}}
	for p := range v.index.List(root, true) {
		nodes = append(nodes, node{path: p, dir: v.index.IsDir(p)})
	}
	return nodes
}

// graft registers nodes, rebased from src onto dst, in the index. dst itself
// is attached to its parent.
func (v *VFS) graft(nodes []node, src, dst string) {
	for _, n := range nodes {
		q := vpath.Rebase(n.path, src, dst)
		if n.dir {
			v.index.EnsureDir(q)
		}
		v.index.AddChild(vpath.Parent(q), q)
	}
	metrics.SetIndexSize(v.index.Len())
}

// prune detaches path from its parent and forgets every directory at or
// below it.
func (v *VFS) prune(path string) {
	v.index.RemoveChild(vpath.Parent(path), path)
	v.index.DropDir(path)
	metrics.SetIndexSize(v.index.Len())
}

// freeName returns the first unused path for name in dir: name itself, then
// stem(1).ext, stem(2).ext and so on. taken holds paths reserved earlier in
// the same batch.
func (v *VFS) freeName(dir, name string, taken map[string]bool) string {
	candidate := vpath.Join(dir, name)
	stem, ext := vpath.Stem(name), vpath.Ext(name)
	for i := 1; v.index.Has(candidate) || taken[candidate]; i++ {
		candidate = vpath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, i, ext))
	}
	return candidate
}

// commit runs fn in a read-write transaction. See transact.
func (v *VFS) commit(ctx context.Context, op, path string, fn func(tx store.Tx) error) error {
	return v.transact(ctx, op, path, store.ReadWrite, fn)
}

// transact runs fn in a store transaction. Cancellation is honored until
// the transaction opens; after that it runs to commit or abort. On abort
// the index is rebuilt from the store before ErrTransactionAborted is
// returned.
func (v *VFS) transact(ctx context.Context, op, path string, mode store.TxMode, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return newError(op, path, err)
	}
	ctx = context.WithoutCancel(ctx)

	err := v.store.Transact(ctx, mode, fn)
	if err == nil {
		return nil
	}

	metrics.RecordTxAbort(op)
	log := logging.WithContext(ctx)
	log.Warn("transaction aborted, rebuilding index",
		logging.Op(op), logging.Path(path), logging.Err(err))
	if rerr := v.index.Rebuild(ctx, v.store); rerr != nil {
		log.Error("index rebuild after abort failed", logging.Op(op), logging.Err(rerr))
	}
	return newError(op, path, fmt.Errorf("%w: %w", ErrTransactionAborted, err))
}

func (v *VFS) publish(e events.Event) {
	if v.pub != nil {
		v.pub.Publish(e)
	}
}

func (v *VFS) clean(op, path string) (string, error) {
	p, err := vpath.Clean(path)
	if err != nil {
		return "", invalid(op, path, "path escapes the root")
	}
	return p, nil
}

func (v *VFS) observe(ctx context.Context, op, path string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrTransactionAborted):
		status = "aborted"
	case err != nil:
		status = "error"
	}
	metrics.RecordOperation(op, status, time.Since(start))

	log := logging.WithContext(ctx)
	if err != nil {
		log.Debug("operation failed", logging.Op(op), logging.Path(path), logging.Err(err))
		return
	}
	log.Debug("operation completed", logging.Op(op), logging.Path(path),
		zap.Duration("duration", time.Since(start)))
}
