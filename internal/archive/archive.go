// Package archive packs in-memory files into a single downloadable blob.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/vaultfs/vaultfs/internal/metrics"
)

// Format identifies an archive container.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatZip, FormatTarGz, FormatTarZst:
		return f, nil
	}
	return "", fmt.Errorf("unknown archive format %q", s)
}

// Ext returns the file name suffix, including the leading dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// ContentType returns the MIME type of the container.
func (f Format) ContentType() string {
	switch f {
	case FormatTarGz:
		return "application/gzip"
	case FormatTarZst:
		return "application/zstd"
	default:
		return "application/zip"
	}
}

// ProgressFunc receives the completed fraction of an archive build.
type ProgressFunc func(fraction float64)

var (
	ErrFinalized     = errors.New("archive: already finalized")
	ErrDuplicateName = errors.New("archive: duplicate entry name")
)

type entry struct {
	name    string
	data    []byte
	modTime time.Time
}

// Builder accumulates entries and writes them out in insertion order.
type Builder struct {
	format  Format
	entries []entry
	names   map[string]struct{}
	total   int64
	done    bool
}

// NewBuilder returns an empty builder for format.
func NewBuilder(format Format) *Builder {
	return &Builder{format: format, names: make(map[string]struct{})}
}

// Format returns the builder's container format.
func (b *Builder) Format() Format { return b.format }

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.entries) }

// Add queues a file. name is slash-separated and relative.
func (b *Builder) Add(name string, data []byte, modTime time.Time) error {
	if b.done {
		return ErrFinalized
	}
	if name == "" {
		return fmt.Errorf("archive: empty entry name")
	}
	if _, ok := b.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	b.names[name] = struct{}{}
	b.entries = append(b.entries, entry{name: name, data: data, modTime: modTime})
	b.total += int64(len(data))
	return nil
}

// Finalize writes every entry and returns the archive. progress, if not nil,
// is called after each entry with a non-decreasing fraction and finally with
// exactly 1.0 just before Finalize returns successfully.
func (b *Builder) Finalize(ctx context.Context, progress ProgressFunc) ([]byte, error) {
	if b.done {
		return nil, ErrFinalized
	}
	b.done = true
	start := time.Now()
	defer func() { metrics.RecordArchiveBuild(string(b.format), time.Since(start)) }()

	if progress == nil {
		progress = func(float64) {}
	}

	var buf bytes.Buffer
	w, err := b.newWriter(&buf)
	if err != nil {
		return nil, err
	}

	var written int64
	last := 0.0
	for i, e := range b.entries {
		if err := ctx.Err(); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.add(e); err != nil {
			w.Close()
			return nil, fmt.Errorf("write %s: %w", e.name, err)
		}
		written += int64(len(e.data))

		frac := float64(i+1) / float64(len(b.entries))
		if b.total > 0 {
			frac = float64(written) / float64(b.total)
		}
		if frac > last {
			last = frac
		}
		progress(last)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	progress(1.0)
	return buf.Bytes(), nil
}

type writer interface {
	add(e entry) error
	Close() error
}

func (b *Builder) newWriter(out io.Writer) (writer, error) {
	switch b.format {
	case FormatZip:
		return &zipWriter{zw: zip.NewWriter(out)}, nil
	case FormatTarGz:
		gz, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		return &tarWriter{tw: tar.NewWriter(gz), compressor: gz}, nil
	case FormatTarZst:
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return nil, err
		}
		return &tarWriter{tw: tar.NewWriter(zw), compressor: zw}, nil
	default:
		return nil, fmt.Errorf("unknown archive format %q", b.format)
	}
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) add(e entry) error {
	w, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:     e.name,
		Method:   zip.Deflate,
		Modified: e.modTime,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(e.data)
	return err
}

func (z *zipWriter) Close() error { return z.zw.Close() }

type tarWriter struct {
	tw         *tar.Writer
	compressor io.WriteCloser
}

func (t *tarWriter) add(e entry) error {
	if err := t.tw.WriteHeader(&tar.Header{
		Name:     e.name,
		Mode:     0644,
		Size:     int64(len(e.data)),
		ModTime:  e.modTime,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}); err != nil {
		return err
	}
	_, err := t.tw.Write(e.data)
	return err
}

func (t *tarWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		t.compressor.Close()
		return err
	}
	return t.compressor.Close()
}
