package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/archive"
	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

// ─── Download ───────────────────────────────────────────────────────────────

// Download delivers path to sink. A file is delivered as-is with a content
// type derived from its name. A directory is packed, with every file below it
// named relative to the directory, into an archive called
// base(path)+extension. progress, if not nil, receives non-decreasing
// fractions that end at 1.0 before the sink is called; the same values are
// published as download progress events.
func (v *VFS) Download(ctx context.Context, path string, sink Sink, progress archive.ProgressFunc) (err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpDownload, path, start, err) }()

	p, err := v.clean(OpDownload, path)
	if err != nil {
		return err
	}
	report := func(f float64) {
		if progress != nil {
			progress(f)
		}
		v.publish(events.TransferProgress(events.KindDownload, p, f))
	}
	defer func() {
		if err != nil {
			v.publish(events.TransferProgress(events.KindDownload, p, events.ProgressFailed))
		}
	}()

	// The store is only read while the lock is held; packing and delivery
	// work on the collected copy.
	file, builder, err := v.collect(ctx, p)
	if err != nil {
		return err
	}

	var name, contentType string
	var data []byte
	if builder == nil {
		name, data = vpath.Base(p), file.Contents
		contentType = ContentType(name, data)
		report(1.0)
	} else {
		data, err = builder.Finalize(ctx, report)
		if err != nil {
			return newError(OpDownload, p, err)
		}
		base := vpath.Base(p)
		if base == "" {
			base = "root"
		}
		name, contentType = base+v.format.Ext(), v.format.ContentType()
	}

	if err := sink.Deliver(ctx, name, contentType, data); err != nil {
		return newError(OpDownload, p, fmt.Errorf("deliver %s: %w", name, err))
	}
	metrics.RecordTransfer(events.KindDownload, int64(len(data)))
	return nil
}

// collect reads what Download needs: the entry for a file, or a loaded
// archive builder for a directory.
func (v *VFS) collect(ctx context.Context, p string) (*store.Entry, *archive.Builder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.index.Has(p) {
		return nil, nil, notFound(OpDownload, p)
	}

	if !v.index.IsDir(p) {
		var file *store.Entry
		err := v.transact(ctx, OpDownload, p, store.ReadOnly, func(tx store.Tx) error {
			var err error
			file, err = tx.Get(p)
			return err
		})
		return file, nil, err
	}

	builder := archive.NewBuilder(v.format)
	err := v.transact(ctx, OpDownload, p, store.ReadOnly, func(tx store.Tx) error {
		for _, n := range v.subtree(p) {
			if n.dir {
				continue
			}
			e, err := tx.Get(n.path)
			if err != nil {
				return err
			}
			rel, _ := vpath.Rel(n.path, p)
			if err := builder.Add(rel, e.Contents, e.Timestamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, builder, nil
}

// ─── Upload ─────────────────────────────────────────────────────────────────

// UploadFile is one file of an upload batch.
type UploadFile struct {
	// RelPath is the slash-separated location below the destination
	// directory, e.g. "photos/2024/a.jpg".
	RelPath string
	// ModTime is kept on the stored entry. Zero means now.
	ModTime time.Time
	// Open returns the file's content.
	Open func() (io.ReadCloser, error)
}

// UploadBytes is an UploadFile over an in-memory buffer.
func UploadBytes(relPath string, data []byte, modTime time.Time) UploadFile {
	return UploadFile{
		RelPath: relPath,
		ModTime: modTime,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type plannedFile struct {
	path    string
	data    []byte
	modTime time.Time
}

// Upload ingests files and directories below dir. Every source is read
// before anything is written; a failing source aborts the whole upload with
// ErrReadError. All missing ancestor directories, every directory listed in
// dirs (even when empty) and every file are then written in one
// transaction. Colliding file names get numbered variants. It returns the
// paths the files were stored under, in input order.
func (v *VFS) Upload(ctx context.Context, dir string, files []UploadFile, dirs []string) (paths []string, err error) {
	start := time.Now()
	defer func() { v.observe(ctx, OpUpload, dir, start, err) }()

	d, err := v.clean(OpUpload, dir)
	if err != nil {
		return nil, err
	}

	targets := make([]string, len(files))
	for i, f := range files {
		if targets[i], err = v.uploadTarget(d, f.RelPath); err != nil {
			return nil, err
		}
	}
	dirTargets := make([]string, len(dirs))
	for i, rel := range dirs {
		if dirTargets[i], err = v.uploadTarget(d, rel); err != nil {
			return nil, err
		}
	}

	contents, err := v.readSources(ctx, d, files, targets)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.index.IsDir(d) {
		return nil, notFound(OpUpload, d)
	}

	// Plan directories first so that file names can avoid them.
	planned := make(map[string]bool)
	var newDirs []string
	plan := func(p string) error {
		chain, err := v.missingChain(OpUpload, p, planned)
		if err != nil {
			return err
		}
		for _, q := range chain {
			planned[q] = true
		}
		newDirs = append(newDirs, chain...)
		return nil
	}
	for _, t := range targets {
		if err := plan(vpath.Parent(t)); err != nil {
			return nil, err
		}
	}
	for _, t := range dirTargets {
		if err := plan(t); err != nil {
			return nil, err
		}
	}

	now := v.now()
	newFiles := make([]plannedFile, len(files))
	taken := make(map[string]bool, len(planned)+len(files))
	for q := range planned {
		taken[q] = true
	}
	for i, t := range targets {
		p := v.freeName(vpath.Parent(t), vpath.Base(t), taken)
		taken[p] = true
		modTime := files[i].ModTime
		if modTime.IsZero() {
			modTime = now
		}
		newFiles[i] = plannedFile{path: p, data: contents[i], modTime: modTime}
	}

	if len(newDirs) == 0 && len(newFiles) == 0 {
		return nil, nil
	}

	if err := v.commit(ctx, OpUpload, d, func(tx store.Tx) error {
		for _, q := range newDirs {
			if err := tx.Put(q, store.NewDir(now)); err != nil {
				return err
			}
		}
		for _, f := range newFiles {
			if err := tx.Put(f.path, store.NewFile(f.data, f.modTime)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var total int64
	for _, q := range newDirs {
		v.graft([]node{{path: q, dir: true}}, q, q)
		v.publish(events.EntryAdded(q))
	}
	paths = make([]string, len(newFiles))
	for i, f := range newFiles {
		v.index.AddChild(vpath.Parent(f.path), f.path)
		v.publish(events.EntryAdded(f.path))
		paths[i] = f.path
		total += int64(len(f.data))
	}
	metrics.RecordTransfer(events.KindUpload, total)
	logging.WithContext(ctx).Info("upload committed",
		logging.Path(d), zap.Int("files", len(newFiles)), zap.Int("dirs", len(newDirs)),
		zap.Int64("bytes", total))
	return paths, nil
}

func (v *VFS) uploadTarget(dir, rel string) (string, error) {
	p, err := vpath.Clean(rel)
	if err != nil || p == vpath.Root {
		return "", invalid(OpUpload, rel, "invalid relative path")
	}
	return vpath.Join(dir, p), nil
}

// readSources reads every upload source, publishing upload progress per file.
func (v *VFS) readSources(ctx context.Context, dir string, files []UploadFile, targets []string) ([][]byte, error) {
	contents := make([][]byte, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, newError(OpUpload, dir, err)
		}
		data, err := readSource(f)
		if err != nil {
			v.publish(events.TransferProgress(events.KindUpload, targets[i], events.ProgressFailed))
			return nil, newError(OpUpload, targets[i], fmt.Errorf("%w: %w", ErrReadError, err))
		}
		contents[i] = data
		v.publish(events.TransferProgress(events.KindUpload, dir, float64(i+1)/float64(len(files))))
	}
	return contents, nil
}

func readSource(f UploadFile) ([]byte, error) {
	if f.Open == nil {
		return nil, errors.New("no source")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
