package authors

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/plugin-crawler/internal/gitclone"
)

type match struct {
	name    string
	path    string
	sha     string
	content []byte
}

// scan walks root for files with one of extensions that contain marker.
// The .git directory, symlinks, and files above maxBytes are skipped.
func scan(root string, extensions []string, marker []byte, maxBytes int64) ([]match, error) {
	var out []match
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !hasExtension(d.Name(), extensions) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxBytes {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Contains(content, marker) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, match{
			name:    d.Name(),
			path:    filepath.ToSlash(rel),
			sha:     gitclone.BlobSHA(content),
			content: content,
		})
		return nil
	})
	return out, err
}

func hasExtension(name string, extensions []string) bool {
	ext := filepath.Ext(name)
	for _, want := range extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}
