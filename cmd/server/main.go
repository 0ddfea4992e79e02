// vaultfs server
//
// Serves a hierarchical file system kept in a transactional key-value store:
// - Memory, bbolt or PostgreSQL entry store
// - Directory listing, mkdir, upload, rename, copy, paste, delete
// - File and archive downloads, optional export to a directory or S3
// - SSE change and progress events
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/api"
	"github.com/vaultfs/vaultfs/internal/archive"
	"github.com/vaultfs/vaultfs/internal/backends"
	"github.com/vaultfs/vaultfs/internal/config"
	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/sink"
	"github.com/vaultfs/vaultfs/internal/vfs"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("vaultfs server starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("store", cfg.Store.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the entry store
	st, err := backends.Open(ctx, cfg.Store)
	if err != nil {
		logging.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close()

	format, err := archive.ParseFormat(cfg.VFS.ArchiveFormat)
	if err != nil {
		logging.Fatal("invalid archive format", zap.Error(err))
	}

	// Event broadcaster for SSE
	broadcaster := events.NewBroadcaster()

	fs := vfs.New(st, vfs.Options{ArchiveFormat: format, Publisher: broadcaster})
	if err := fs.Refresh(ctx); err != nil {
		logging.Fatal("index build failed", zap.Error(err))
	}

	exportSink, err := sink.FromConfig(ctx, cfg.Export, cfg.S3)
	if err != nil {
		logging.Fatal("export sink init failed", zap.Error(err))
	}
	if exportSink != nil {
		logging.Info("export enabled", zap.String("backend", cfg.Export.Backend))
	}
	if cfg.Server.JWTSecret == "" {
		logging.Warn("API_JWT_SECRET is empty, authentication disabled")
	}

	srv := api.NewServer(fs, broadcaster, api.Options{
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Export:        exportSink,
		JWTSecret:     cfg.Server.JWTSecret,
		RateLimitRPM:  cfg.Server.RateLimitRPM,
		WebDAV:        cfg.Server.WebDAV,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Request contexts derive from ctx so that SSE streams end on shutdown.
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start periodic metrics update for pooled stores
	if pooled, ok := st.(interface{ UpdateConnectionMetrics() }); ok {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pooled.UpdateConnectionMetrics()
				}
			}
		}()
	}

	// Start periodic cleanup of idle rate limiter buckets
	if srv.Limiter().Enabled() {
		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := srv.Limiter().Cleanup(24 * time.Hour); n > 0 {
						logging.Debug("rate limiter buckets dropped", zap.Int("count", n))
					}
				}
			}
		}()
	}

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.ListenAddr))
	err = serve(httpServer, httpServer.ListenAndServe, sigCh, cfg.Server.ShutdownTimeout, func() {
		cancel()
		metricsServer.Close()
	})
	if err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
}

// serve runs srv through listen until stop fires, then shuts it down. It
// returns only after in-flight requests have drained or timeout forced them
// closed.
func serve(srv *http.Server, listen func() error, stop <-chan os.Signal, timeout time.Duration, onStop func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-stop
		logging.Info("shutting down...")
		onStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forcing server close", zap.Error(err))
			srv.Close()
		}
	}()

	if err := listen(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}
