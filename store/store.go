// Package store is the sidecar's durable client storage: the catalog
// snapshot, the pending submission queue and the confirmed-record cache,
// all kept in one SQLite file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps failures of the backing store itself.
	ErrUnavailable = errors.New("local store unavailable")
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serialises every reader behind an open write
	// transaction, so a reader sees either the old or the new snapshot.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	var stmts []string
	for _, table := range catalogTables {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY,
				parent_id INTEGER,
				name TEXT NOT NULL,
				activity_id INTEGER,
				lat REAL,
				lng REAL,
				quantity REAL,
				category TEXT
			);`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s(parent_id, name);`, table, table),
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS catalog_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pending_submissions (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			payload BLOB NOT NULL,
			content_type TEXT NOT NULL,
			metadata TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_submissions(state, local_id);`,
		`CREATE TABLE IF NOT EXISTS record_cache (
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			sector_detail_id INTEGER NOT NULL,
			uploaded_at TEXT NOT NULL,
			data TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_record_cache_user ON record_cache(user_id, uploaded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_record_cache_detail ON record_cache(sector_detail_id, uploaded_at);`,
	)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// WithTx runs fn inside a transaction, committing only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}
