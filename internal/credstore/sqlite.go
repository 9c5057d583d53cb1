// ABOUTME: SQLite implementation of the credential store using modernc.org/sqlite.
// ABOUTME: Single credentials table with automatic schema creation and WAL mode.

package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite credential store at the given
// path. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "credstore")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			tenant_id  TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite credential store initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get returns the credential blob for a tenant, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, tenantID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT blob FROM credentials WHERE tenant_id = ?", tenantID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	return blob, nil
}

// Put stores or replaces the credential blob for a tenant.
func (s *SQLiteStore) Put(ctx context.Context, tenantID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		tenantID, blob, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// Delete removes the credential blob for a tenant.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE tenant_id = ?", tenantID,
	); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
