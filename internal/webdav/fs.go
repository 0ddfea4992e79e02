// Package webdav exposes the virtual file system over WebDAV.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/vfs"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

// FS implements webdav.FileSystem on top of a VFS.
type FS struct {
	vfs *vfs.VFS
}

var _ webdav.FileSystem = (*FS)(nil)

// NewFS returns a WebDAV file system serving v.
func NewFS(v *vfs.VFS) *FS {
	return &FS{vfs: v}
}

// osError converts VFS errors into the os errors the WebDAV handler maps to
// status codes. os.IsNotExist does not unwrap, so the result is a PathError.
func osError(op, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vfs.ErrNotFound):
		return &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
	}
	return err
}

// Mkdir creates a single directory. It fails if name already exists.
func (fs *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if fs.vfs.Exists(name) {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrExist}
	}
	return osError("mkdir", name, fs.vfs.Mkdir(ctx, name))
}

// OpenFile opens name for reading, or returns a buffer that is stored when
// closed if any write flag is set. Without O_TRUNC writes append to the
// existing contents.
func (fs *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	p, err := vpath.Clean(name)
	if err != nil {
		return nil, err
	}

	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) == 0 {
		e, err := fs.vfs.Stat(ctx, p)
		if err != nil {
			return nil, osError("open", p, err)
		}
		info := vfs.EntryInfo{
			Path:    p,
			Name:    vpath.Base(p),
			IsDir:   e.IsDir(),
			Size:    e.Size(),
			ModTime: e.Timestamp,
		}
		return &file{fs: fs, ctx: ctx, name: p, info: info, r: bytes.NewReader(e.Contents)}, nil
	}

	if !fs.vfs.IsDir(vpath.Parent(p)) {
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrNotExist}
	}
	if fs.vfs.IsDir(p) {
		return nil, &os.PathError{Op: "open", Path: p, Err: errors.New("is a directory")}
	}

	f := &file{fs: fs, ctx: ctx, name: p, buf: &bytes.Buffer{}}
	if flag&os.O_TRUNC == 0 && fs.vfs.Exists(p) {
		e, err := fs.vfs.Stat(ctx, p)
		if err != nil {
			return nil, osError("open", p, err)
		}
		f.buf.Write(e.Contents)
	}
	return f, nil
}

// RemoveAll removes name and everything below it.
func (fs *FS) RemoveAll(ctx context.Context, name string) error {
	return osError("remove", name, fs.vfs.Remove(ctx, name))
}

// Rename moves oldName with its subtree to newName.
func (fs *FS) Rename(ctx context.Context, oldName, newName string) error {
	return osError("rename", oldName, fs.vfs.Rename(ctx, oldName, newName))
}

// Stat returns metadata for name.
func (fs *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	info, err := fs.vfs.Info(ctx, name)
	if err != nil {
		return nil, osError("stat", name, err)
	}
	return fileInfo{info}, nil
}

// file is either a read view of a stored entry or a write buffer.
type file struct {
	fs   *FS
	ctx  context.Context
	name string

	info vfs.EntryInfo
	r    *bytes.Reader
	dir  []vfs.EntryInfo
	read bool // dir listed

	buf    *bytes.Buffer
	closed bool
}

var _ webdav.File = (*file)(nil)

func (f *file) writable() bool { return f.buf != nil }

func (f *file) Close() error {
	if !f.writable() || f.closed {
		return nil
	}
	f.closed = true

	if err := f.fs.vfs.WriteFile(f.ctx, f.name, f.buf.Bytes(), time.Time{}); err != nil {
		return osError("write", f.name, err)
	}
	logging.WithContext(f.ctx).Debug("webdav file written",
		logging.Path(f.name),
		zap.Int("size", f.buf.Len()))
	return nil
}

func (f *file) Read(p []byte) (int, error) {
	if f.writable() {
		return 0, fmt.Errorf("%s: opened for writing", f.name)
	}
	return f.r.Read(p)
}

func (f *file) Write(p []byte) (int, error) {
	if !f.writable() {
		return 0, fmt.Errorf("%s: not opened for writing", f.name)
	}
	return f.buf.Write(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	if f.writable() {
		return 0, fmt.Errorf("%s: seek on write buffer", f.name)
	}
	return f.r.Seek(offset, whence)
}

// Readdir follows os.File.Readdir: count <= 0 returns everything left,
// otherwise at most count entries and io.EOF once the listing is exhausted.
func (f *file) Readdir(count int) ([]os.FileInfo, error) {
	if f.writable() || !f.info.IsDir {
		return nil, fmt.Errorf("%s: not a directory", f.name)
	}
	if !f.read {
		entries, err := f.fs.vfs.ReadDir(f.ctx, f.name, false)
		if err != nil {
			return nil, osError("readdir", f.name, err)
		}
		f.dir, f.read = entries, true
	}

	n := len(f.dir)
	if count > 0 {
		if n == 0 {
			return nil, io.EOF
		}
		n = min(n, count)
	}
	infos := make([]os.FileInfo, 0, n)
	for _, e := range f.dir[:n] {
		infos = append(infos, fileInfo{e})
	}
	f.dir = f.dir[n:]
	return infos, nil
}

func (f *file) Stat() (os.FileInfo, error) {
	if f.writable() {
		return fileInfo{vfs.EntryInfo{
			Path:    f.name,
			Name:    vpath.Base(f.name),
			Size:    int64(f.buf.Len()),
			ModTime: time.Now(),
		}}, nil
	}
	return fileInfo{f.info}, nil
}

// fileInfo implements os.FileInfo and webdav.ContentTyper.
type fileInfo struct {
	e vfs.EntryInfo
}

func (fi fileInfo) Name() string {
	if fi.e.Path == vpath.Root {
		return vpath.Root
	}
	return fi.e.Name
}

func (fi fileInfo) Size() int64        { return fi.e.Size }
func (fi fileInfo) IsDir() bool        { return fi.e.IsDir }
func (fi fileInfo) ModTime() time.Time { return fi.e.ModTime }
func (fi fileInfo) Sys() interface{}   { return nil }

func (fi fileInfo) Mode() os.FileMode {
	if fi.e.IsDir {
		return os.ModeDir | 0755
	}
	return 0644
}

// ContentType answers from the extension table. Unknown extensions fall
// through to the handler, which sniffs the content.
func (fi fileInfo) ContentType(ctx context.Context) (string, error) {
	if !fi.e.IsDir {
		if ct, ok := vfs.ContentTypeByExt(fi.e.Name); ok {
			return ct, nil
		}
	}
	return "", webdav.ErrNotImplemented
}
