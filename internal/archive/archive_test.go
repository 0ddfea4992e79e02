package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allFormats = []Format{FormatZip, FormatTarGz, FormatTarZst}

// readAll unpacks an archive into name -> contents.
func readAll(t *testing.T, f Format, data []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	switch f {
	case FormatZip:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		for _, zf := range zr.File {
			rc, err := zf.Open()
			require.NoError(t, err)
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			out[zf.Name] = string(b)
		}
		return out
	case FormatTarGz:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		return readTar(t, gz, out)
	case FormatTarZst:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer zr.Close()
		return readTar(t, zr, out)
	}
	t.Fatalf("unknown format %s", f)
	return nil
}

func readTar(t *testing.T, r io.Reader, out map[string]string) map[string]string {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(b)
	}
}

func TestFinalizeRoundTrip(t *testing.T) {
	files := map[string]string{
		"a.txt":       "alpha",
		"sub/b.txt":   "bravo bravo",
		"sub/c/d.bin": string([]byte{0, 1, 2, 3}),
		"empty":       "",
	}
	for _, f := range allFormats {
		t.Run(string(f), func(t *testing.T) {
			b := NewBuilder(f)
			for _, name := range []string{"a.txt", "sub/b.txt", "sub/c/d.bin", "empty"} {
				require.NoError(t, b.Add(name, []byte(files[name]), time.Now()))
			}
			data, err := b.Finalize(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, files, readAll(t, f, data))
		})
	}
}

func TestProgressIsMonotoneAndEndsAtOne(t *testing.T) {
	for _, f := range allFormats {
		t.Run(string(f), func(t *testing.T) {
			b := NewBuilder(f)
			require.NoError(t, b.Add("big", bytes.Repeat([]byte("x"), 1000), time.Now()))
			require.NoError(t, b.Add("none", nil, time.Now()))
			require.NoError(t, b.Add("small", []byte("y"), time.Now()))

			var seen []float64
			_, err := b.Finalize(context.Background(), func(p float64) { seen = append(seen, p) })
			require.NoError(t, err)

			require.NotEmpty(t, seen)
			for i := 1; i < len(seen); i++ {
				assert.GreaterOrEqual(t, seen[i], seen[i-1])
			}
			for _, p := range seen {
				assert.LessOrEqual(t, p, 1.0)
			}
			assert.Equal(t, 1.0, seen[len(seen)-1])
		})
	}
}

func TestEmptyArchiveReportsCompletion(t *testing.T) {
	var seen []float64
	data, err := NewBuilder(FormatZip).Finalize(context.Background(), func(p float64) { seen = append(seen, p) })
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0}, seen)
	assert.Empty(t, readAll(t, FormatZip, data))
}

func TestBuilderMisuse(t *testing.T) {
	b := NewBuilder(FormatZip)
	require.NoError(t, b.Add("x", []byte("1"), time.Now()))
	assert.ErrorIs(t, b.Add("x", []byte("2"), time.Now()), ErrDuplicateName)
	assert.Error(t, b.Add("", nil, time.Now()))
	assert.Equal(t, 1, b.Len())

	_, err := b.Finalize(context.Background(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Add("y", nil, time.Now()), ErrFinalized)
	_, err = b.Finalize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestFinalizeHonorsCancellation(t *testing.T) {
	b := NewBuilder(FormatTarGz)
	require.NoError(t, b.Add("x", []byte("1"), time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Finalize(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormats(t *testing.T) {
	tests := []struct {
		in         string
		ext, ctype string
	}{
		{"zip", ".zip", "application/zip"},
		{"tar.gz", ".tar.gz", "application/gzip"},
		{"tar.zst", ".tar.zst", "application/zstd"},
	}
	for _, tt := range tests {
		f, err := ParseFormat(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.ext, f.Ext())
		assert.Equal(t, tt.ctype, f.ContentType())
	}
	_, err := ParseFormat("rar")
	assert.Error(t, err)
}
