// Package state persists crawl progress as full JSON snapshots. Every save
// replaces the file atomically so an interruption loses at most one unit of
// work. The files assume a single writer; nothing guards against two
// crawler processes sharing a path.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store loads and saves one snapshot type T.
type Store[T any] struct {
	path     string
	fresh    func() T
	validate func(T) error
	logger   *zap.Logger
}

// Option customizes a Store.
type Option[T any] func(*Store[T])

// WithValidator rejects loaded snapshots that fail fn; they are recovered
// like malformed files.
func WithValidator[T any](fn func(T) error) Option[T] {
	return func(s *Store[T]) {
		s.validate = fn
	}
}

// NewStore returns a store at path. fresh builds the initial state used when
// the file is absent or unusable.
func NewStore[T any](path string, fresh func() T, logger *zap.Logger, opts ...Option[T]) *Store[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store[T]{path: path, fresh: fresh, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the snapshot location.
func (s *Store[T]) Path() string {
	return s.path
}

// Load reads the snapshot. The boolean reports whether a persisted state was
// used; a missing, unreadable, or malformed file yields a fresh state.
func (s *Store[T]) Load(_ context.Context) (T, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("no state file; starting fresh", zap.String("path", s.path))
		} else {
			s.logger.Warn("state unreadable; reinitializing", zap.String("path", s.path), zap.Error(err))
		}
		return s.fresh(), false
	}

	loaded := s.fresh()
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("state malformed; reinitializing", zap.String("path", s.path), zap.Error(err))
		return s.fresh(), false
	}
	if s.validate != nil {
		if err := s.validate(loaded); err != nil {
			s.logger.Warn("state invalid; reinitializing", zap.String("path", s.path), zap.Error(err))
			return s.fresh(), false
		}
	}
	return loaded, true
}

// Save writes the snapshot atomically.
func (s *Store[T]) Save(ctx context.Context, value T) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save state %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the snapshot file.
func (s *Store[T]) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state %s: %w", s.path, err)
	}
	return nil
}

// WriteFileAtomic writes data to a sibling temp file, syncs it, and renames
// it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
