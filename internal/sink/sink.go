// Package sink provides server-side destinations for downloads.
package sink

import (
	"context"
	"fmt"

	"github.com/vaultfs/vaultfs/internal/config"
	"github.com/vaultfs/vaultfs/internal/vfs"
)

// FromConfig returns the export sink selected by cfg, or nil when exports
// are disabled.
func FromConfig(ctx context.Context, export config.ExportConfig, s3cfg config.S3Config) (vfs.Sink, error) {
	switch export.Backend {
	case "", "none":
		return nil, nil
	case "dir":
		d, err := NewDir(DirConfig{Root: export.Dir, CreateDirs: true})
		if err != nil {
			return nil, err
		}
		return d, nil
	case "s3":
		s, err := NewS3(ctx, S3Config{
			Endpoint:  s3cfg.Endpoint,
			Bucket:    s3cfg.Bucket,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Region:    s3cfg.Region,
			Prefix:    s3cfg.Prefix,
			UseSSL:    s3cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown export backend %q", export.Backend)
	}
}
