package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
)

// DirConfig holds directory sink settings.
type DirConfig struct {
	Root       string
	CreateDirs bool
}

// Dir writes downloads as files in a local directory.
type Dir struct {
	root string
}

// NewDir creates a directory sink.
func NewDir(cfg DirConfig) (*Dir, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root is required")
	}

	info, err := os.Stat(cfg.Root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.Root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root %s: %w", cfg.Root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root %s: %w", cfg.Root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", cfg.Root)
	}

	return &Dir{root: cfg.Root}, nil
}

// Root returns the directory files are written to.
func (d *Dir) Root() string { return d.root }

// Deliver writes data to root/name, replacing any existing file atomically.
func (d *Dir) Deliver(ctx context.Context, name, _ string, data []byte) (err error) {
	start := time.Now()
	defer func() { metrics.RecordSinkOperation("dir", time.Since(start), err == nil) }()

	base := filepath.Base(filepath.FromSlash(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return fmt.Errorf("invalid file name %q", name)
	}
	path := filepath.Join(d.root, base)

	// Write to temp file then rename
	tmp, err := os.CreateTemp(d.root, ".vaultfs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", base, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", base, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", base, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", base, err)
	}

	logging.WithContext(ctx).Info("export written",
		zap.String("file", path), zap.Int("bytes", len(data)))
	return nil
}
