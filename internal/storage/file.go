package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const fileExt = ".json"

// File stores each record as one JSON file in a directory. Writes go to a
// temporary file first and are renamed into place, so a crash never leaves
// a half-written snapshot.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates a file backend rooted at dir, creating it if needed
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("file storage: failed to create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Name returns the backend type
func (f *File) Name() string {
	return "file"
}

// Dir returns the directory records are stored in
func (f *File) Dir() string {
	return f.dir
}

// pathFor escapes key so profile keys like "ai-seminar-progress:<uuid>"
// stay a single portable file name.
func (f *File) pathFor(key string) string {
	return filepath.Join(f.dir, url.QueryEscape(key)+fileExt)
}

// Load reads the record for key
func (f *File) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(f.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("file storage: failed to read %q: %w", key, err)
	}
	return data, true, nil
}

// Save atomically replaces the record for key
func (f *File) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("file storage: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file storage: failed to write %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file storage: failed to sync %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file storage: failed to close %q: %w", key, err)
	}
	if err := os.Rename(tmpName, f.pathFor(key)); err != nil {
		return fmt.Errorf("file storage: failed to replace %q: %w", key, err)
	}
	return nil
}

// Delete removes the record for key
func (f *File) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.pathFor(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file storage: failed to delete %q: %w", key, err)
	}
	return nil
}

// Keys lists stored keys
func (f *File) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("file storage: failed to list %s: %w", f.dir, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Close is a no-op
func (f *File) Close() error {
	return nil
}
