package state

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

// KeySet is a set of dedup keys persisted as a sorted JSON array.
type KeySet map[string]struct{}

// Add inserts key and reports whether it was new.
func (k KeySet) Add(key string) bool {
	if _, ok := k[key]; ok {
		return false
	}
	k[key] = struct{}{}
	return true
}

// Has reports membership.
func (k KeySet) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// MarshalJSON emits the keys in sorted order so snapshots diff cleanly.
func (k KeySet) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(k))
	for key := range k {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return json.Marshal(keys)
}

// UnmarshalJSON reads a JSON array of keys.
func (k *KeySet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	set := make(KeySet, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	*k = set
	return nil
}

// CrawlState is the primary crawl checkpoint.
type CrawlState struct {
	Queue         []crawler.SearchShard           `json:"queue"`
	ProcessedKeys KeySet                          `json:"processed_keys"`
	RepoCache     map[string]crawler.RepoMetadata `json:"repo_cache"`
	LastFullScan  *time.Time                      `json:"last_full_scan,omitempty"`

	// FailedHits counts consecutive transient fetch failures per dedup key.
	FailedHits map[string]int `json:"failed_hits,omitempty"`
}

// NewCrawlState returns an empty state with an uninitialized queue.
func NewCrawlState() *CrawlState {
	return &CrawlState{
		Queue:         nil,
		ProcessedKeys: KeySet{},
		RepoCache:     map[string]crawler.RepoMetadata{},
		FailedHits:    map[string]int{},
	}
}

// normalize replaces nil collections after a load of an older snapshot.
func (s *CrawlState) normalize() {
	if s.ProcessedKeys == nil {
		s.ProcessedKeys = KeySet{}
	}
	if s.RepoCache == nil {
		s.RepoCache = map[string]crawler.RepoMetadata{}
	}
	if s.FailedHits == nil {
		s.FailedHits = map[string]int{}
	}
}

// CachedRepo returns a repo cache entry younger than ttl.
func (s *CrawlState) CachedRepo(fullName string, now time.Time, ttl time.Duration) (crawler.RepoMetadata, bool) {
	meta, ok := s.RepoCache[fullName]
	if !ok {
		return crawler.RepoMetadata{}, false
	}
	if ttl > 0 && now.Sub(meta.FetchedAt) > ttl {
		return crawler.RepoMetadata{}, false
	}
	return meta, true
}

// NewCrawlStore builds the crawl state store. validateQueue, when set,
// checks that a loaded queue is a valid partition. An invalid queue is
// dropped so the planner rebuilds it; the processed keys and the repository
// cache are kept.
func NewCrawlStore(path string, validateQueue func([]crawler.SearchShard) error, logger *zap.Logger) *Store[*CrawlState] {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []Option[*CrawlState]{
		WithValidator(func(s *CrawlState) error {
			if s == nil {
				return errors.New("empty crawl state")
			}
			s.normalize()
			if validateQueue == nil || len(s.Queue) == 0 {
				return nil
			}
			if err := validateQueue(s.Queue); err != nil {
				logger.Warn("saved shard queue does not fit the current partition; rebuilding it",
					zap.String("path", path),
					zap.Int("shards", len(s.Queue)),
					zap.Error(err),
				)
				s.Queue = nil
				s.LastFullScan = nil
			}
			return nil
		}),
	}
	return NewStore(path, NewCrawlState, logger, opts...)
}
