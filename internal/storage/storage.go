// Package storage provides durable backends for progress snapshots.
// Each backend maps a key to one opaque record.
package storage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/livetemplate/seminar/internal/config"
)

// Backend stores snapshot records by key.
type Backend interface {
	// Name returns the backend type (e.g. "sqlite")
	Name() string

	// Load returns the record for key. found is false when none exists.
	Load(ctx context.Context, key string) (data []byte, found bool, err error)

	// Save creates or replaces the record for key.
	Save(ctx context.Context, key string, data []byte) error

	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists stored keys in lexical order.
	Keys(ctx context.Context) ([]string, error)

	// Close releases any resources held by the backend
	Close() error
}

// Open creates the backend described by cfg. Relative paths resolve
// against rootDir.
func Open(cfg config.StorageConfig, rootDir string) (Backend, error) {
	switch cfg.GetType() {
	case config.StorageMemory:
		return NewMemory(), nil
	case config.StorageFile:
		return NewFile(cfg.GetPath(rootDir))
	case config.StorageSQLite:
		return NewSQLite(cfg.GetPath(rootDir), cfg.GetTable(), cfg.GetTimeout())
	case config.StoragePostgres:
		return NewPostgres(cfg.GetDSN(), cfg.GetTable(), cfg.GetTimeout())
	default:
		return nil, &unsupportedTypeError{storageType: cfg.Type}
	}
}

type unsupportedTypeError struct {
	storageType string
}

func (e *unsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported storage type: %q", e.storageType)
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// isValidIdentifier checks a table name before it is interpolated into SQL.
func isValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
