package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLite stores records in one table of a SQLite database.
type SQLite struct {
	db      *sql.DB
	table   string
	dbPath  string
	timeout time.Duration
}

// NewSQLite opens (or creates) the database at dbPath and ensures the
// snapshot table exists.
func NewSQLite(dbPath, table string, timeout time.Duration) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite storage: database path is required")
	}
	// Validate table name (prevent SQL injection)
	if !isValidIdentifier(table) {
		return nil, fmt.Errorf("sqlite storage: invalid table name %q", table)
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("sqlite storage: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, table: table, dbPath: dbPath, timeout: timeout}

	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite storage: failed to connect: %w", err)
	}
	if err := s.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLite) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlite storage: failed to create table %s: %w", s.table, err)
	}
	return nil
}

// Name returns the backend type
func (s *SQLite) Name() string {
	return "sqlite"
}

// Load returns the record for key
func (s *SQLite) Load(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE key = ?", s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite storage: load %q failed: %w", key, err)
	}
	return []byte(data), true, nil
}

// Save upserts the record for key
func (s *SQLite) Save(ctx context.Context, key string, data []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (key, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, string(data)); err != nil {
		return fmt.Errorf("sqlite storage: save %q failed: %w", key, err)
	}
	return nil
}

// Delete removes the record for key
func (s *SQLite) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("sqlite storage: delete %q failed: %w", key, err)
	}
	return nil
}

// Keys lists stored keys
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return queryKeys(ctx, s.db, fmt.Sprintf("SELECT key FROM %s ORDER BY key", s.table))
}

// Close releases the database connection
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func queryKeys(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys failed: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
