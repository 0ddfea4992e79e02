// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig
	Logging LogConfig
	Store   StoreConfig
	VFS     VFSConfig
	Export  ExportConfig
	S3      S3Config
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR" default:":9090"`
	MaxUploadSize   int64         `envconfig:"MAX_UPLOAD_SIZE" default:"104857600"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	RateLimitRPM    int           `envconfig:"RATE_LIMIT_RPM" default:"0"` // per client, 0 disables
	WebDAV          bool          `envconfig:"WEBDAV_ENABLED" default:"true"`

	// Empty disables bearer-token authentication.
	JWTSecret string `envconfig:"API_JWT_SECRET"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
	Output string `envconfig:"LOG_OUTPUT"`
}

// StoreConfig selects and configures the entry store.
type StoreConfig struct {
	Backend     string `envconfig:"STORE_BACKEND" default:"bolt"` // memory, bolt, postgres
	BoltPath    string `envconfig:"BOLT_PATH" default:"data/vaultfs.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
}

// VFSConfig holds file system behavior settings.
type VFSConfig struct {
	ArchiveFormat string `envconfig:"ARCHIVE_FORMAT" default:"zip"` // zip, tar.gz, tar.zst
}

// ExportConfig selects where server-side downloads are delivered.
type ExportConfig struct {
	Backend string `envconfig:"EXPORT_BACKEND" default:"none"` // none, dir, s3
	Dir     string `envconfig:"EXPORT_DIR" default:"exports"`
}

// S3Config holds S3 export sink settings.
type S3Config struct {
	Endpoint  string `envconfig:"S3_ENDPOINT" default:"http://localhost:9000"`
	Bucket    string `envconfig:"S3_BUCKET" default:"vaultfs-exports"`
	AccessKey string `envconfig:"S3_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"S3_SECRET_KEY" default:"minioadmin"`
	Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	Prefix    string `envconfig:"S3_PREFIX"`
	UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "bolt":
		if c.Store.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt store")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.VFS.ArchiveFormat {
	case "zip", "tar.gz", "tar.zst":
	default:
		return fmt.Errorf("unknown ARCHIVE_FORMAT %q", c.VFS.ArchiveFormat)
	}

	switch c.Export.Backend {
	case "none":
	case "dir":
		if c.Export.Dir == "" {
			return fmt.Errorf("EXPORT_DIR is required for the dir export backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 export backend")
		}
	default:
		return fmt.Errorf("unknown EXPORT_BACKEND %q", c.Export.Backend)
	}

	if c.Server.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}
