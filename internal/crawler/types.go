package crawler

import (
	"fmt"
	"time"
)

// ForkMode selects which side of the fork dimension a shard queries.
type ForkMode string

// Fork modes. Each base size range is crossed with both.
const (
	ForkExcluded ForkMode = "excluded"
	ForkOnly     ForkMode = "only"
)

// Qualifier renders the fork mode as a code-search qualifier.
func (m ForkMode) Qualifier() string {
	if m == ForkOnly {
		return "fork:only"
	}
	return "fork:false"
}

// ShardStatus is the lifecycle state of a SearchShard.
type ShardStatus string

// Shard status values persisted in the crawl state.
const (
	ShardPending ShardStatus = "pending"
	ShardDone    ShardStatus = "done"
)

// SearchShard is one slice of the search space: a half-open byte-size range
// [SizeMin, SizeMax) crossed with a fork mode.
type SearchShard struct {
	SizeMin int64       `json:"size_min"`
	SizeMax int64       `json:"size_max"`
	Fork    ForkMode    `json:"fork"`
	Status  ShardStatus `json:"status"`
	// Overflow marks a shard that still reported the result cap at the
	// minimum width; some matches at that size were not retrievable.
	Overflow bool `json:"overflow,omitempty"`
}

// ID identifies a shard by its range and fork mode.
func (s SearchShard) ID() string {
	return fmt.Sprintf("%s:%d-%d", s.Fork, s.SizeMin, s.SizeMax)
}

// Width returns the number of byte sizes covered by the shard.
func (s SearchShard) Width() int64 {
	return s.SizeMax - s.SizeMin
}

// Splittable reports whether the range can still be bisected.
func (s SearchShard) Splittable() bool {
	return s.Width() > 1
}

// FileInfo describes the matched source file.
type FileInfo struct {
	Path    string `json:"path"`
	HTMLURL string `json:"html_url"`
	RawURL  string `json:"raw_url"`
	SHA     string `json:"sha"`
	Size    int64  `json:"size"`
}

// RepositoryInfo is the repository metadata carried by every indexed item.
type RepositoryInfo struct {
	FullName        string     `json:"full_name"`
	Name            string     `json:"name"`
	HTMLURL         string     `json:"html_url"`
	Description     *string    `json:"description"`
	OwnerLogin      string     `json:"owner_login"`
	OwnerURL        string     `json:"owner_url"`
	DefaultBranch   string     `json:"default_branch"`
	StargazersCount int        `json:"stargazers_count"`
	ForksCount      int        `json:"forks_count"`
	OpenIssuesCount int        `json:"open_issues_count"`
	CreatedAt       *time.Time `json:"created_at"`
}

// IndexedItem is one plugin entry in the published index.
type IndexedItem struct {
	PluginName   string         `json:"plugin_name"`
	PluginAuthor *string        `json:"plugin_author"`
	Language     string         `json:"language"`
	File         FileInfo       `json:"file"`
	Repository   RepositoryInfo `json:"repository"`
	IndexedAt    time.Time      `json:"indexed_at"`
}

// Key returns the dedup key of the item.
func (i IndexedItem) Key() string {
	return DedupKey(i.Repository.FullName, i.File.Path, i.File.SHA)
}

// DedupKey builds the uniqueness key (repository full name, file path, blob sha).
func DedupKey(fullName, path, sha string) string {
	return fullName + "/" + path + "@" + sha
}

// RepoMetadata is a cached repository lookup.
type RepoMetadata struct {
	Repository RepositoryInfo `json:"repository"`
	Fork       bool           `json:"fork"`
	SizeKB     int64          `json:"size_kb"`
	CloneURL   string         `json:"clone_url"`
	FetchedAt  time.Time      `json:"fetched_at"`
}

// CodeHit is one raw search result as returned by the host.
type CodeHit struct {
	Name       string
	Path       string
	SHA        string
	HTMLURL    string
	Repository RepositoryInfo
}

// Key returns the dedup key of the hit.
func (h CodeHit) Key() string {
	return DedupKey(h.Repository.FullName, h.Path, h.SHA)
}

// SearchPage is one page of code-search results.
type SearchPage struct {
	TotalCount        int
	IncompleteResults bool
	Hits              []CodeHit
}

// Blob is a file's content addressed by its git blob sha.
type Blob struct {
	SHA     string
	Size    int64
	Content []byte
}

// StringPtr returns nil for an empty string and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CycleSummary is the end-of-cycle report logged and recorded in the run ledger.
type CycleSummary struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	ShardsProcessed  int       `json:"shards_processed"`
	ShardsSplit      int       `json:"shards_split"`
	ShardsFailed     int       `json:"shards_failed"`
	Overflows        int       `json:"overflows"`
	ItemsDiscovered  int       `json:"items_discovered"`
	FalsePositives   int       `json:"false_positives"`
	AuthorsProcessed int       `json:"authors_processed"`
	AuthorsSkipped   int       `json:"authors_skipped"`
	ReposConfirmed   int       `json:"repos_confirmed"`
	IndexCount       int       `json:"index_count"`
	Published        string    `json:"published,omitempty"`
}

// Cycle statuses.
const (
	CycleOK       = "ok"
	CycleFailed   = "failed"
	CycleCanceled = "canceled"
)
