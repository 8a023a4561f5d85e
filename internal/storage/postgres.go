package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Postgres stores records in one table of a PostgreSQL database.
type Postgres struct {
	db      *sql.DB
	table   string
	timeout time.Duration
}

// NewPostgres connects to dsn and ensures the snapshot table exists.
func NewPostgres(dsn, table string, timeout time.Duration) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres storage: database connection required (set dsn or DATABASE_URL env)")
	}
	if !isValidIdentifier(table) {
		return nil, fmt.Errorf("postgres storage: invalid table name %q", table)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := &Postgres{db: db, table: table, timeout: timeout}

	ctx, cancel := p.withTimeout(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres storage: failed to connect: %w", err)
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)
	if _, err := db.ExecContext(ctx, query); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres storage: failed to create table %s: %w", table, err)
	}

	return p, nil
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Name returns the backend type
func (p *Postgres) Name() string {
	return "postgres"
}

// Load returns the record for key
func (p *Postgres) Load(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var data []byte
	query := fmt.Sprintf("SELECT data FROM %s WHERE key = $1", p.table)
	err := p.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres storage: load %q failed: %w", key, err)
	}
	return data, true, nil
}

// Save upserts the record for key
func (p *Postgres) Save(ctx context.Context, key string, data []byte) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (key, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, p.table)
	if _, err := p.db.ExecContext(ctx, query, key, string(data)); err != nil {
		return fmt.Errorf("postgres storage: save %q failed: %w", key, err)
	}
	return nil
}

// Delete removes the record for key
func (p *Postgres) Delete(ctx context.Context, key string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", p.table)
	if _, err := p.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("postgres storage: delete %q failed: %w", key, err)
	}
	return nil
}

// Keys lists stored keys
func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return queryKeys(ctx, p.db, fmt.Sprintf("SELECT key FROM %s ORDER BY key", p.table))
}

// Close releases the database connection
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
