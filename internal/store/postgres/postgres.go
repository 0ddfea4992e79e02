// Package postgres provides a PostgreSQL-backed store.Store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/internal/store"
	"github.com/vaultfs/vaultfs/internal/vpath"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store is a PostgreSQL entry store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Type returns the backend name.
func (s *Store) Type() string { return "postgres" }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs the embedded SQL migrations in file name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get returns the entry at path.
func (s *Store) Get(ctx context.Context, path string) (*store.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("postgres", "get", time.Since(start)) }()

	return getEntry(ctx, s.db, path)
}

func getEntry(ctx context.Context, q querier, path string) (*store.Entry, error) {
	var (
		mode     int64
		modTime  time.Time
		contents []byte
	)
	err := q.QueryRowContext(ctx,
		`SELECT mode, mod_time, contents FROM entries WHERE path = $1`, path,
	).Scan(&mode, &modTime, &contents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", path, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return toEntry(mode, modTime, contents), nil
}

// Scan streams every row to fn.
func (s *Store) Scan(ctx context.Context, fn store.ScanFunc) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("postgres", "scan", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, `SELECT path, mode, mod_time, contents FROM entries`)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			path     string
			mode     int64
			modTime  time.Time
			contents []byte
		)
		if err := rows.Scan(&path, &mode, &modTime, &contents); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn(path, toEntry(mode, modTime, contents)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func toEntry(mode int64, modTime time.Time, contents []byte) *store.Entry {
	e := &store.Entry{Timestamp: modTime, Mode: store.Mode(mode)}
	if !e.IsDir() {
		if contents == nil {
			contents = []byte{}
		}
		e.Contents = contents
	}
	return e
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Transact runs fn inside a database transaction. The transaction is rolled
// back unless fn succeeds and the commit goes through.
func (s *Store) Transact(ctx context.Context, mode store.TxMode, fn func(tx store.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("postgres", "tx_"+mode.String(), time.Since(start)) }()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: mode == store.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{ctx: ctx, tx: sqlTx, mode: mode}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	ctx  context.Context
	tx   *sql.Tx
	mode store.TxMode
}

func (t *tx) Get(path string) (*store.Entry, error) {
	return getEntry(t.ctx, t.tx, path)
}

func (t *tx) Put(path string, e *store.Entry) error {
	if t.mode != store.ReadWrite {
		return store.ErrReadOnly
	}
	if err := store.Validate(e); err != nil {
		return err
	}
	var contents []byte
	if !e.IsDir() {
		contents = e.Contents
		if contents == nil {
			contents = []byte{}
		}
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO entries (path, parent_path, mode, mod_time, contents)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (path) DO UPDATE SET
		   parent_path = EXCLUDED.parent_path,
		   mode = EXCLUDED.mode,
		   mod_time = EXCLUDED.mod_time,
		   contents = EXCLUDED.contents`,
		path, vpath.Parent(path), int64(e.Mode), e.Timestamp, contents)
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (t *tx) Delete(path string) error {
	if t.mode != store.ReadWrite {
		return store.ErrReadOnly
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetStoreConnectionsOpen(s.db.Stats().OpenConnections)
}
