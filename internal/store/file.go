package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockRetries  = 50
	lockInterval = 10 * time.Millisecond
	// A lock held this long belongs to a writer that died.
	staleLockAge = 10 * time.Second
)

// FileStore keeps one file per key under dir. Writes go through a temp file
// and a rename so readers never observe a partial value.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hashKey(key)+".store")
}

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key %s: %w", key, err)
	}

	return string(data), nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	return s.write(key, value)
}

func (s *FileStore) write(key, value string) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to store key %s: %w", key, err)
	}

	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// CompareAndSwap serializes writers through an exclusive lock file, which
// holds across processes sharing the directory.
func (s *FileStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	cur, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		if old != "" {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		if old == "" || cur != old {
			return false, nil
		}
	}

	if err := s.write(key, value); err != nil {
		return false, err
	}

	return true, nil
}

func (s *FileStore) lock(ctx context.Context, key string) (func(), error) {
	path := s.path(key) + ".lock"

	for range lockRetries {
		unlock, err := createLock(path)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to lock key %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockInterval):
		}
	}

	if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > staleLockAge {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock of key %s: %w", key, err)
		}
		if unlock, err := createLock(path); err == nil {
			return unlock, nil
		}
	}

	return nil, fmt.Errorf("timed out locking key %s", key)
}

func createLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return func() { _ = os.Remove(path) }, nil
}

func (s *FileStore) Close() error {
	return nil
}
