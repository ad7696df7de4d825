// Package memory stores published artifacts in memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

// Object is one stored artifact.
type Object struct {
	Data    []byte
	Options crawler.ObjectOptions
}

// BlobStore stores artifacts in memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject stores a copy of the content and its options.
func (s *BlobStore) PutObject(_ context.Context, path string, opts crawler.ObjectOptions, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	opts.Metadata = maps.Clone(opts.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{Data: byteData, Options: opts}
	return "memory://" + path, nil
}

// Get returns the stored object at path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}
