// Package index holds the deduplicated plugin index and writes it as the
// published JSON artifact.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/metrics"
	"github.com/JakeFAU/plugin-crawler/internal/state"
)

// Artifact is the on-disk shape of the published index.
type Artifact struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Query       string                `json:"query"`
	Count       int                   `json:"count"`
	Items       []crawler.IndexedItem `json:"items"`
}

// Snapshot describes one flushed artifact.
type Snapshot struct {
	Path        string
	Data        []byte
	SHA256      string
	GeneratedAt time.Time
	Count       int
}

// Store is the in-memory index backed by the artifact file. It is not safe
// for concurrent use.
type Store struct {
	path   string
	query  string
	items  []crawler.IndexedItem
	keys   map[string]struct{}
	dirty  bool
	clock  crawler.Clock
	hasher crawler.Hasher
	logger *zap.Logger
}

// Open loads the artifact at path. A missing file yields an empty index; a
// malformed one is moved aside and also yields an empty index.
func Open(_ context.Context, path, query string, clock crawler.Clock, hasher crawler.Hasher, logger *zap.Logger) (*Store, error) {
	if clock == nil || hasher == nil {
		return nil, errors.New("clock and hasher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		query:  query,
		keys:   map[string]struct{}{},
		clock:  clock,
		hasher: hasher,
		logger: logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("no index artifact, starting empty", zap.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}

	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, clock.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			logger.Warn("could not move malformed index aside", zap.String("path", path), zap.Error(renameErr))
		}
		logger.Warn("index artifact malformed, starting empty",
			zap.String("path", path),
			zap.String("moved_to", aside),
			zap.Error(err),
		)
		return s, nil
	}
	for _, item := range art.Items {
		key := item.Key()
		if _, dup := s.keys[key]; dup {
			continue
		}
		s.keys[key] = struct{}{}
		s.items = append(s.items, item)
	}
	metrics.SetIndexItems(len(s.items))
	logger.Info("loaded index artifact", zap.String("path", path), zap.Int("items", len(s.items)))
	return s, nil
}

// Path returns the artifact location.
func (s *Store) Path() string {
	return s.path
}

// Has reports whether key is already indexed.
func (s *Store) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Merge adds items whose key is new and returns how many were added.
func (s *Store) Merge(items ...crawler.IndexedItem) int {
	added := 0
	for _, item := range items {
		key := item.Key()
		if _, ok := s.keys[key]; ok {
			continue
		}
		s.keys[key] = struct{}{}
		s.items = append(s.items, item)
		added++
	}
	if added > 0 {
		s.dirty = true
		metrics.SetIndexItems(len(s.items))
	}
	return added
}

// Count returns the number of indexed items.
func (s *Store) Count() int {
	return len(s.items)
}

// Dirty reports whether items were merged since the last flush.
func (s *Store) Dirty() bool {
	return s.dirty
}

// Items returns a copy of the indexed items in insertion order.
func (s *Store) Items() []crawler.IndexedItem {
	return append([]crawler.IndexedItem(nil), s.items...)
}

// Authors returns distinct repository owners in order of first appearance.
// Items are only appended, so the order is stable across runs.
func (s *Store) Authors() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, item := range s.items {
		login := item.Repository.OwnerLogin
		if login == "" {
			continue
		}
		if _, ok := seen[login]; ok {
			continue
		}
		seen[login] = struct{}{}
		out = append(out, login)
	}
	return out
}

// RepositoryNames returns the set of indexed repository full names.
func (s *Store) RepositoryNames() map[string]struct{} {
	out := make(map[string]struct{}, len(s.items))
	for _, item := range s.items {
		out[item.Repository.FullName] = struct{}{}
	}
	return out
}

// Flush writes the artifact when dirty. The file's mtime is set to
// generated_at so static hosting derives a matching Last-Modified. The
// boolean is false when there was nothing to write.
func (s *Store) Flush(ctx context.Context) (Snapshot, bool, error) {
	if !s.dirty {
		return Snapshot{}, false, nil
	}
	snap, err := s.write(ctx)
	if err != nil {
		return Snapshot{}, false, err
	}
	s.dirty = false
	return snap, true, nil
}

// Snapshot writes the artifact unconditionally.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	snap, err := s.write(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.dirty = false
	return snap, nil
}

func (s *Store) write(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("flush index: %w", err)
	}
	generated := s.clock.Now().UTC().Truncate(time.Second)
	items := s.items
	if items == nil {
		items = []crawler.IndexedItem{}
	}
	data, err := json.MarshalIndent(Artifact{
		GeneratedAt: generated,
		Query:       s.query,
		Count:       len(items),
		Items:       items,
	}, "", "  ")
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal index: %w", err)
	}
	if err := state.WriteFileAtomic(s.path, data); err != nil {
		return Snapshot{}, fmt.Errorf("write index: %w", err)
	}
	if err := os.Chtimes(s.path, generated, generated); err != nil {
		s.logger.Warn("could not set index mtime", zap.String("path", s.path), zap.Error(err))
	}
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash index: %w", err)
	}
	s.logger.Info("index flushed",
		zap.String("path", s.path),
		zap.Int("items", len(items)),
		zap.String("sha256", sum),
	)
	return Snapshot{
		Path:        s.path,
		Data:        data,
		SHA256:      sum,
		GeneratedAt: generated,
		Count:       len(items),
	}, nil
}
