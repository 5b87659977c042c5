// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides credential and record persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// timeFormat has fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// created if it doesn't exist and parent directories are created if needed.
// sealer encrypts credential secrets; it is required.
func NewSQLiteStore(path string, sealer *Sealer) (*SQLiteStore, error) {
	if sealer == nil {
		return nil, ErrNoEncryptionKey
	}
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		sealer: sealer,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			tenant_id      TEXT PRIMARY KEY,
			mode           TEXT NOT NULL DEFAULT 'polling',
			bot_token      BLOB,
			webhook_secret BLOB,
			ai_key         BLOB,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (mode IN ('polling', 'webhook'))
		);

		CREATE TABLE IF NOT EXISTS categories (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (type IN ('income', 'expense'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_categories_tenant_name
			ON categories(tenant_id, type, name COLLATE NOCASE);

		CREATE TABLE IF NOT EXISTS transactions (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			type         TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			category     TEXT NOT NULL,
			note         TEXT,
			source       TEXT NOT NULL,
			created_at   TEXT NOT NULL,

			CHECK (type IN ('income', 'expense')),
			CHECK (amount_minor > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_tenant_created
			ON transactions(tenant_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
