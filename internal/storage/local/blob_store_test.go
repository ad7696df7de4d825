// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "site", "data")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, nil, 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("WritesDataHeadersAndMtime", func(t *testing.T) {
		generated := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)
		data := []byte(`{"count":0,"items":[]}`)
		opts := crawler.ObjectOptions{
			ContentType:  "application/json",
			CacheControl: "public, max-age=300",
			Metadata: map[string]string{
				"etag":         `"abc"`,
				"generated_at": generated.Format(time.RFC3339),
			},
		}
		uri, err := store.PutObject(context.Background(), "plugins.json", opts, bytes.NewReader(data))
		require.NoError(t, err)

		path := filepath.Join(tempDir, "plugins.json")
		assert.Equal(t, "file://"+path, uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, data, readData)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(generated))

		// #nosec G304 -- test reads from the controlled temp directory.
		raw, err := os.ReadFile(path + local.HeadersSuffix)
		require.NoError(t, err)
		var headers local.Headers
		require.NoError(t, json.Unmarshal(raw, &headers))
		assert.Equal(t, "public, max-age=300", headers.CacheControl)
		assert.Equal(t, `"abc"`, headers.ETag)
		assert.Equal(t, "Mon, 01 Jun 2026 08:30:00 GMT", headers.LastModified)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", crawler.ObjectOptions{}, bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.json", crawler.ObjectOptions{}, bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("NestedPath", func(t *testing.T) {
		path := "a/b/c/object.txt"
		data := []byte("nested hello")
		uri, err := store.PutObject(context.Background(), path, crawler.ObjectOptions{}, bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)
	})
}
