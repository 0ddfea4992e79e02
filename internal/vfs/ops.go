package vfs

import (
	"context"
	"slices"
	"time"

	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

// ─── Directories ────────────────────────────────────────────────────────────

// Mkdir creates a single directory. The parent must already exist. Creating
// an existing directory is a no-op.
func (v *VFS) Mkdir(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpMkdir, path, start, err) }()

	p, err := v.clean(OpMkdir, path)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.index.IsDir(p) {
		return nil
	}
	parent := vpath.Parent(p)
	if !v.index.IsDir(parent) {
		return notFound(OpMkdir, parent)
	}
	if v.index.Has(p) {
		return invalid(OpMkdir, p, "a file with that name exists")
	}

	if err := v.commit(ctx, OpMkdir, p, func(tx store.Tx) error {
		return tx.Put(p, store.NewDir(v.now()))
	}); err != nil {
		return err
	}

	v.graft([]node{{path: p, dir: true}}, p, p)
	v.publish(events.EntryAdded(p))
	return nil
}

// Mkdirs creates path and every missing ancestor in one transaction.
func (v *VFS) Mkdirs(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpMkdirs, path, start, err) }()

	p, err := v.clean(OpMkdirs, path)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	missing, err := v.missingChain(OpMkdirs, p, nil)
	if err != nil || len(missing) == 0 {
		return err
	}

	if err := v.commit(ctx, OpMkdirs, p, func(tx store.Tx) error {
		ts := v.now()
		for _, d := range missing {
			if err := tx.Put(d, store.NewDir(ts)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, d := range missing {
		v.graft([]node{{path: d, dir: true}}, d, d)
		v.publish(events.EntryAdded(d))
	}
	return nil
}

// missingChain walks up from p and returns the directories that do not
// exist yet, root-first. planned holds directories already scheduled for
// creation in the same batch.
func (v *VFS) missingChain(op, p string, planned map[string]bool) ([]string, error) {
	var missing []string
	for q := p; !v.index.IsDir(q) && !planned[q]; q = vpath.Parent(q) {
		if v.index.Has(q) {
			return nil, invalid(op, q, "a file is in the way")
		}
		missing = append(missing, q)
	}
	slices.Reverse(missing)
	return missing, nil
}

// ─── Files ──────────────────────────────────────────────────────────────────

// AddFile stores data as a new file called name inside dir. If the name is
// taken, the first free "stem(n).ext" variant is used instead. It returns the
// path actually written. A zero modTime means now.
func (v *VFS) AddFile(ctx context.Context, data []byte, modTime time.Time, dir, name string) (path string, err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpAddFile, path, start, err) }()

	d, err := v.clean(OpAddFile, dir)
	if err != nil {
		return "", err
	}
	if !vpath.ValidName(name) {
		return "", invalid(OpAddFile, vpath.Join(d, name), "invalid file name")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.index.IsDir(d) {
		return "", notFound(OpAddFile, d)
	}
	if modTime.IsZero() {
		modTime = v.now()
	}

	target := v.freeName(d, name, nil)
	if err := v.commit(ctx, OpAddFile, target, func(tx store.Tx) error {
		return tx.Put(target, store.NewFile(data, modTime))
	}); err != nil {
		return "", err
	}

	v.index.AddChild(d, target)
	v.publish(events.EntryAdded(target))
	return target, nil
}

// WriteFile stores data at path, replacing the file already there. Unlike
// AddFile it never picks another name. The parent directory must exist and
// path must not be a directory. A zero modTime means now.
func (v *VFS) WriteFile(ctx context.Context, path string, data []byte, modTime time.Time) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpWrite, path, start, err) }()

	p, err := v.clean(OpWrite, path)
	if err != nil {
		return err
	}
	if p == vpath.Root {
		return invalid(OpWrite, p, "cannot write the root")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	parent := vpath.Parent(p)
	if !v.index.IsDir(parent) {
		return notFound(OpWrite, parent)
	}
	if v.index.IsDir(p) {
		return invalid(OpWrite, p, "is a directory")
	}
	if modTime.IsZero() {
		modTime = v.now()
	}

	if err := v.commit(ctx, OpWrite, p, func(tx store.Tx) error {
		return tx.Put(p, store.NewFile(data, modTime))
	}); err != nil {
		return err
	}

	v.index.AddChild(parent, p)
	v.publish(events.EntryAdded(p))
	return nil
}

// ─── Move & Copy ────────────────────────────────────────────────────────────

// checkRelocation validates a rename or copy from src to dst.
func (v *VFS) checkRelocation(op, src, dst string) error {
	if src == vpath.Root {
		return invalid(op, src, "cannot relocate the root")
	}
	if !v.index.Has(src) {
		return notFound(op, src)
	}
	if vpath.Within(dst, src) {
		return invalid(op, dst, "destination is inside the source")
	}
	if !v.index.IsDir(vpath.Parent(dst)) {
		return notFound(op, vpath.Parent(dst))
	}
	if v.index.Has(dst) {
		return invalid(op, dst, "destination exists")
	}
	return nil
}

// Rename moves src, and everything below it, to dst.
func (v *VFS) Rename(ctx context.Context, src, dst string) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpRename, src, start, err) }()

	s, err := v.clean(OpRename, src)
	if err != nil {
		return err
	}
	d, err := v.clean(OpRename, dst)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rename(ctx, s, d)
}

func (v *VFS) rename(ctx context.Context, src, dst string) error {
	if src == dst && src != vpath.Root {
		if !v.index.Has(src) {
			return notFound(OpRename, src)
		}
		return nil
	}
	if err := v.checkRelocation(OpRename, src, dst); err != nil {
		return err
	}

	nodes := v.subtree(src)
	if err := v.commit(ctx, OpRename, src, func(tx store.Tx) error {
		for _, n := range nodes {
			e, err := tx.Get(n.path)
			if err != nil {
				return err
			}
			if err := tx.Put(vpath.Rebase(n.path, src, dst), e); err != nil {
				return err
			}
			if err := tx.Delete(n.path); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	v.prune(src)
	v.graft(nodes, src, dst)
	v.publish(events.EntryRemoved(src))
	v.publish(events.EntryAdded(dst))
	return nil
}

// Copy duplicates src, and everything below it, at dst. The source is left
// untouched.
func (v *VFS) Copy(ctx context.Context, src, dst string) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpCopy, src, start, err) }()

	s, err := v.clean(OpCopy, src)
	if err != nil {
		return err
	}
	d, err := v.clean(OpCopy, dst)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.copy(ctx, s, d)
}

func (v *VFS) copy(ctx context.Context, src, dst string) error {
	if err := v.checkRelocation(OpCopy, src, dst); err != nil {
		return err
	}

	nodes := v.subtree(src)
	if err := v.commit(ctx, OpCopy, src, func(tx store.Tx) error {
		for _, n := range nodes {
			e, err := tx.Get(n.path)
			if err != nil {
				return err
			}
			if err := tx.Put(vpath.Rebase(n.path, src, dst), e); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	v.graft(nodes, src, dst)
	v.publish(events.EntryAdded(dst))
	return nil
}

// Paste moves or copies each source into dir under its own base name. It
// refuses to paste a directory into itself or one of its descendants. Copies
// whose name is already taken in dir get a numbered name; moves onto an
// existing name fail. Sources are processed in order and the first failure
// stops the batch.
func (v *VFS) Paste(ctx context.Context, sources []string, dir string, move bool) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpPaste, dir, start, err) }()

	d, err := v.clean(OpPaste, dir)
	if err != nil {
		return err
	}
	srcs := make([]string, 0, len(sources))
	for _, src := range sources {
		s, err := v.clean(OpPaste, src)
		if err != nil {
			return err
		}
		if vpath.Within(d, s) {
			return invalid(OpPaste, s, "cannot paste a folder into itself")
		}
		srcs = append(srcs, s)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.index.IsDir(d) {
		return notFound(OpPaste, d)
	}
	for _, s := range srcs {
		if move {
			if err := v.rename(ctx, s, vpath.Join(d, vpath.Base(s))); err != nil {
				return err
			}
			continue
		}
		if !v.index.Has(s) {
			return notFound(OpCopy, s)
		}
		if err := v.copy(ctx, s, v.freeName(d, vpath.Base(s), nil)); err != nil {
			return err
		}
	}
	return nil
}

// ─── Remove ─────────────────────────────────────────────────────────────────

// Remove deletes path and everything below it.
func (v *VFS) Remove(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpRemove, path, start, err) }()

	p, err := v.clean(OpRemove, path)
	if err != nil {
		return err
	}
	if p == vpath.Root {
		return invalid(OpRemove, p, "cannot remove the root")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.index.Has(p) {
		return notFound(OpRemove, p)
	}

	nodes := v.subtree(p)
	if err := v.commit(ctx, OpRemove, p, func(tx store.Tx) error {
		for _, n := range nodes {
			if err := tx.Delete(n.path); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	v.prune(p)
	v.publish(events.EntryRemoved(p))
	return nil
}
