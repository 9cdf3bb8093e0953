package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one file per key under a directory. Commit writes each
// staged value to a temporary file, syncs it, renames it over the target and
// syncs the directory, so a power loss leaves either the old or the new blob.
type FileStore struct {
	dir string

	mu      sync.Mutex
	pending staged
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return nil, fmt.Errorf("file store directory cannot be empty")
	}
	clean = filepath.Clean(clean)
	if err := os.MkdirAll(clean, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", clean, err)
	}
	return &FileStore{dir: clean, pending: staged{}}, nil
}

// Get returns the staged value for key if any, otherwise the committed one.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.pending.lookup(key); ok {
		return v, nil
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Set stages value for key until the next Commit.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending.put(key, value)
	s.mu.Unlock()
	return nil
}

// Commit durably writes every staged value.
func (s *FileStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range s.pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeAtomic(key, value); err != nil {
			return err
		}
		delete(s.pending, key)
	}
	return nil
}

// Close discards uncommitted writes.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.pending = staged{}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".bin")
}

func (s *FileStore) writeAtomic(key string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(value); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", key, err)
	}

	dir, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("open store directory: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync store directory: %w", err)
	}
	return nil
}
