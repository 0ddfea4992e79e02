package webdav

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/vaultfs/vaultfs/internal/store/memory"
	"github.com/vaultfs/vaultfs/internal/vfs"
)

const writeFlags = os.O_RDWR | os.O_CREATE | os.O_TRUNC

func newTestFS(t *testing.T) (*FS, *vfs.VFS) {
	t.Helper()
	v := vfs.New(memory.New(), vfs.Options{})
	require.NoError(t, v.Refresh(context.Background()))
	return NewFS(v), v
}

func writeFile(t *testing.T, fs *FS, name, data string, flag int) {
	t.Helper()
	f, err := fs.OpenFile(context.Background(), name, flag, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func readFile(t *testing.T, fs *FS, name string) string {
	t.Helper()
	f, err := fs.OpenFile(context.Background(), name, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestWriteAndRead(t *testing.T) {
	fs, v := newTestFS(t)
	ctx := context.Background()

	writeFile(t, fs, "/a.txt", "hello", writeFlags)
	assert.Equal(t, "hello", readFile(t, fs, "/a.txt"))

	writeFile(t, fs, "/a.txt", " world", os.O_WRONLY)
	assert.Equal(t, "hello world", readFile(t, fs, "/a.txt"))

	writeFile(t, fs, "/a.txt", "bye", writeFlags)
	assert.Equal(t, "bye", readFile(t, fs, "/a.txt"))

	writeFile(t, fs, "/empty", "", writeFlags)
	assert.True(t, v.Exists("/empty"))

	f, err := fs.OpenFile(ctx, "/a.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(1, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "ye", string(rest))

	_, err = f.Write([]byte("x"))
	assert.Error(t, err)
}

func TestOpenFileErrors(t *testing.T) {
	fs, v := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, v.Mkdir(ctx, "/d"))

	_, err := fs.OpenFile(ctx, "/missing/a.txt", writeFlags, 0644)
	assert.True(t, os.IsNotExist(err))

	_, err = fs.OpenFile(ctx, "/nope", os.O_RDONLY, 0)
	assert.True(t, os.IsNotExist(err))

	_, err = fs.OpenFile(ctx, "/d", writeFlags, 0644)
	assert.Error(t, err)
}

func TestMkdir(t *testing.T) {
	fs, v := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/d", 0755))
	assert.True(t, v.IsDir("/d"))

	assert.True(t, os.IsExist(fs.Mkdir(ctx, "/d", 0755)))
	assert.True(t, os.IsNotExist(fs.Mkdir(ctx, "/x/y", 0755)))
}

func TestStatAndReaddir(t *testing.T) {
	fs, v := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, v.Mkdirs(ctx, "/d/sub"))
	writeFile(t, fs, "/d/a.png", "png", writeFlags)
	writeFile(t, fs, "/d/b.zzz", "data", writeFlags)

	fi, err := fs.Stat(ctx, "/d/b.zzz")
	require.NoError(t, err)
	assert.Equal(t, "b.zzz", fi.Name())
	assert.Equal(t, int64(4), fi.Size())
	assert.False(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0644), fi.Mode())

	root, err := fs.Stat(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "/", root.Name())
	assert.True(t, root.IsDir())

	_, err = fs.Stat(ctx, "/nope")
	assert.True(t, os.IsNotExist(err))

	f, err := fs.OpenFile(ctx, "/d", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	first, err := f.Readdir(2)
	require.NoError(t, err)
	second, err := f.Readdir(2)
	require.NoError(t, err)
	_, err = f.Readdir(2)
	assert.Equal(t, io.EOF, err)

	var names []string
	for _, fi := range append(first, second...) {
		names = append(names, fi.Name())
	}
	assert.ElementsMatch(t, []string{"a.png", "b.zzz", "sub"}, names)

	file, err := fs.OpenFile(ctx, "/d/a.png", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.Readdir(0)
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	fs, v := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, v.Mkdir(ctx, "/d"))
	writeFile(t, fs, "/a.png", "png", writeFlags)
	writeFile(t, fs, "/a.zzz", "data", writeFlags)

	contentType := func(name string) (string, error) {
		fi, err := fs.Stat(ctx, name)
		require.NoError(t, err)
		return fi.(webdav.ContentTyper).ContentType(ctx)
	}

	ct, err := contentType("/a.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	_, err = contentType("/a.zzz")
	assert.Equal(t, webdav.ErrNotImplemented, err)
	_, err = contentType("/d")
	assert.Equal(t, webdav.ErrNotImplemented, err)
}

func TestRenameAndRemoveAll(t *testing.T) {
	fs, v := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, v.Mkdirs(ctx, "/d/sub"))
	writeFile(t, fs, "/d/sub/a.txt", "a", writeFlags)

	require.NoError(t, fs.Rename(ctx, "/d", "/e"))
	assert.Equal(t, "a", readFile(t, fs, "/e/sub/a.txt"))
	assert.False(t, v.Exists("/d"))

	assert.True(t, os.IsNotExist(fs.Rename(ctx, "/d", "/f")))

	require.NoError(t, fs.RemoveAll(ctx, "/e"))
	assert.False(t, v.Exists("/e/sub/a.txt"))
	assert.True(t, os.IsNotExist(fs.RemoveAll(ctx, "/e")))
}
