// Package backends opens the configured store.Store implementation.
package backends

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/config"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/retry"
	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/store/bolt"
	"github.com/vaultfs/vaultfs/internal/store/memory"
	"github.com/vaultfs/vaultfs/internal/store/postgres"
)

// Open creates the store selected by cfg.Backend. A postgres connection is
// retried with backoff and migrated before it is returned.
func Open(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "bolt":
		s, err := bolt.Open(bolt.Config{Path: cfg.BoltPath})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := openPostgres(ctx, cfg.DatabaseURL, retry.DefaultConfig())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

func openPostgres(ctx context.Context, url string, rc retry.Config) (*postgres.Store, error) {
	rc.OnRetry = func(attempt int, err error) {
		logging.Warn("postgres not ready, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	s, err := retry.DoWithResult(ctx, rc, func() (*postgres.Store, error) {
		s, err := postgres.New(ctx, url)
		return s, retry.Retryable(err)
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}
