// Package local implements a local filesystem blob store, suitable for a
// directory served by a static web server.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/state"
)

// HeadersSuffix names the sidecar file holding an object's HTTP headers.
const HeadersSuffix = ".headers.json"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// Headers is the sidecar written next to each object.
type Headers struct {
	ContentType  string            `json:"content_type,omitempty"`
	CacheControl string            `json:"cache_control,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject replaces the file at path atomically and returns a file:// URI.
// When the metadata carries generated_at, the file's mtime is set to it.
func (s *BlobStore) PutObject(_ context.Context, path string, opts crawler.ObjectOptions, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	fullPath := filepath.Join(s.baseDir, path)
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}

	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	if err := state.WriteFileAtomic(fullPath, byteData); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	headers := Headers{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		ETag:         opts.Metadata["etag"],
		Metadata:     opts.Metadata,
	}
	if ts, err := time.Parse(time.RFC3339, opts.Metadata["generated_at"]); err == nil {
		if err := os.Chtimes(fullPath, ts, ts); err != nil {
			return "", fmt.Errorf("failed to set mtime: %w", err)
		}
		headers.LastModified = ts.UTC().Format(http.TimeFormat)
	}
	sidecar, err := json.MarshalIndent(headers, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	if err := state.WriteFileAtomic(fullPath+HeadersSuffix, sidecar); err != nil {
		return "", fmt.Errorf("failed to write headers: %w", err)
	}

	return fmt.Sprintf("file://%s", fullPath), nil
}
