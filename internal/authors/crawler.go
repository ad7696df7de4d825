// Package authors widens coverage by walking the repositories of every
// author already present in the index. Candidate repositories are cloned
// shallowly into a scratch directory, inspected for the framework marker,
// and removed again whatever the outcome.
package authors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/extract"
	"github.com/JakeFAU/plugin-crawler/internal/index"
	"github.com/JakeFAU/plugin-crawler/internal/metrics"
	"github.com/JakeFAU/plugin-crawler/internal/state"
)

// Defaults.
const (
	DefaultFreshness       = 7 * 24 * time.Hour
	DefaultMaxRepositories = 100
	DefaultCloneTimeout    = 2 * time.Minute
	DefaultMaxFileBytes    = 1 << 20
	DefaultMarker          = "namespace Oxide.Plugins"
	// DefaultFreshCheckpoint is how many consecutive fresh authors are
	// skipped between cursor saves.
	DefaultFreshCheckpoint = 25
	perPage                = 100
)

// ErrTooManyRepositories marks an author skipped for owning more
// repositories than the configured threshold.
var ErrTooManyRepositories = errors.New("too many repositories")

// Config controls the expansion pass.
type Config struct {
	// Freshness is the minimum time before an author is processed again.
	Freshness time.Duration
	// MaxRepositories is the largest repository count still worth cloning.
	MaxRepositories int
	// MaxRepoSizeKB skips larger repositories when positive.
	MaxRepoSizeKB int64
	CloneTimeout  time.Duration
	// ScratchDir is the parent of per-clone temp directories.
	ScratchDir   string
	Extensions   []string
	Marker       string
	MaxFileBytes int64
	SkipForks    bool
	// IndexDiscoveries merges plugins found in confirmed clones into the index.
	IndexDiscoveries bool
	// FreshCheckpoint saves the cursor after this many fresh authors in a row.
	FreshCheckpoint int
}

func (c Config) withDefaults() Config {
	if c.Freshness <= 0 {
		c.Freshness = DefaultFreshness
	}
	if c.MaxRepositories <= 0 {
		c.MaxRepositories = DefaultMaxRepositories
	}
	if c.CloneTimeout <= 0 {
		c.CloneTimeout = DefaultCloneTimeout
	}
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".cs"}
	}
	if c.Marker == "" {
		c.Marker = DefaultMarker
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.FreshCheckpoint <= 0 {
		c.FreshCheckpoint = DefaultFreshCheckpoint
	}
	return c
}

// Index is the part of the index store the expansion pass reads and feeds.
type Index interface {
	Authors() []string
	RepositoryNames() map[string]struct{}
	Has(key string) bool
	Merge(items ...crawler.IndexedItem) int
	Flush(ctx context.Context) (index.Snapshot, bool, error)
}

// Summary counts what one pass did.
type Summary struct {
	AuthorsProcessed int
	AuthorsFresh     int
	AuthorsSkipped   int
	AuthorsFailed    int
	ReposInspected   int
	ReposConfirmed   int
	ItemsIndexed     int
}

// Deps are the collaborators of a Crawler.
type Deps struct {
	Repos     crawler.RepoClient
	Cloner    crawler.Cloner
	Limiter   crawler.Limiter
	Policy    crawler.RetryPolicy
	Pauser    crawler.Pauser
	Clock     crawler.Clock
	Extractor *extract.Extractor
	Store     *state.Store[*state.AuthorFinderState]
}

// Crawler runs the author expansion pass.
type Crawler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a Crawler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Crawler, error) {
	if deps.Repos == nil || deps.Cloner == nil || deps.Limiter == nil || deps.Policy == nil ||
		deps.Pauser == nil || deps.Clock == nil || deps.Store == nil {
		return nil, errors.New("authors: missing dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{cfg: cfg.withDefaults(), deps: deps, logger: logger}, nil
}

// Run walks idx's authors from st.CurrentAuthorIndex. State is saved after
// every processed author and after every FreshCheckpoint fresh authors in a
// row, always after flushing the index so recorded discoveries never outrun
// persisted items. Completing the list resets the cursor to 0. Only fatal
// host errors and cancellation end the pass early.
func (c *Crawler) Run(ctx context.Context, st *state.AuthorFinderState, idx Index) (Summary, error) {
	var sum Summary
	authors := idx.Authors()
	if st.CurrentAuthorIndex > len(authors) {
		c.logger.Warn("author cursor beyond author list, restarting",
			zap.Int("cursor", st.CurrentAuthorIndex),
			zap.Int("authors", len(authors)),
		)
		st.CurrentAuthorIndex = 0
	}
	c.logger.Info("author pass starting",
		zap.Int("authors", len(authors)),
		zap.Int("resume_at", st.CurrentAuthorIndex),
	)

	freshRun := 0
	for i := st.CurrentAuthorIndex; i < len(authors); i++ {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("author pass: %w", err)
		}
		author := authors[i]
		if st.Fresh(author, c.deps.Clock.Now(), c.cfg.Freshness) {
			sum.AuthorsFresh++
			metrics.ObserveAuthor("fresh")
			st.CurrentAuthorIndex = i + 1
			if freshRun++; freshRun >= c.cfg.FreshCheckpoint {
				if err := c.checkpoint(ctx, st, idx); err != nil {
					return sum, err
				}
				freshRun = 0
			}
			continue
		}
		freshRun = 0

		rec, err := c.processAuthor(ctx, st, idx, author, &sum)
		if err != nil {
			return sum, err
		}
		st.ProcessedAuthors[author] = rec
		st.CurrentAuthorIndex = i + 1
		if err := c.checkpoint(ctx, st, idx); err != nil {
			return sum, err
		}
	}

	st.CurrentAuthorIndex = 0
	if err := c.checkpoint(ctx, st, idx); err != nil {
		return sum, err
	}
	c.logger.Info("author pass finished",
		zap.Int("processed", sum.AuthorsProcessed),
		zap.Int("fresh", sum.AuthorsFresh),
		zap.Int("skipped", sum.AuthorsSkipped),
		zap.Int("failed", sum.AuthorsFailed),
		zap.Int("repos_confirmed", sum.ReposConfirmed),
	)
	return sum, nil
}

func (c *Crawler) checkpoint(ctx context.Context, st *state.AuthorFinderState, idx Index) error {
	if _, _, err := idx.Flush(ctx); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}
	if err := c.deps.Store.Save(ctx, st); err != nil {
		return fmt.Errorf("save author state: %w", err)
	}
	return nil
}

// processAuthor returns the record to store. The error is non-nil only for
// fatal failures and cancellation.
func (c *Crawler) processAuthor(ctx context.Context, st *state.AuthorFinderState, idx Index, author string, sum *Summary) (state.AuthorRecord, error) {
	log := c.logger.With(zap.String("author", author))

	repos, err := c.FetchRepositories(ctx, author)
	switch {
	case errors.Is(err, ErrTooManyRepositories):
		sum.AuthorsSkipped++
		metrics.ObserveAuthor("too_many_repos")
		log.Info("skipping high-volume author", zap.Error(err))
		return state.AuthorRecord{LastProcessed: c.deps.Clock.Now(), Error: err.Error()}, nil
	case err != nil:
		if crawler.IsFatal(err) || ctx.Err() != nil {
			return state.AuthorRecord{}, err
		}
		sum.AuthorsFailed++
		metrics.ObserveAuthor("failed")
		log.Warn("listing repositories failed", zap.Error(err))
		return state.AuthorRecord{LastProcessed: c.deps.Clock.Now(), Error: err.Error()}, nil
	}

	known := idx.RepositoryNames()
	found, failed := 0, 0
	for _, repo := range repos {
		if reason, ok := c.candidate(repo, known, st); !ok {
			log.Debug("repository not a candidate",
				zap.String("repo", repo.Repository.FullName),
				zap.String("reason", reason),
			)
			continue
		}
		sum.ReposInspected++
		result, err := c.Inspect(ctx, repo)
		if err != nil {
			if ctx.Err() != nil {
				return state.AuthorRecord{}, fmt.Errorf("inspect %s: %w", repo.Repository.FullName, ctx.Err())
			}
			failed++
			log.Warn("repository inspection failed",
				zap.String("repo", repo.Repository.FullName),
				zap.Error(err),
			)
			continue
		}
		if !result.Confirmed {
			continue
		}
		if st.AddDiscovery(repo.Repository.FullName) {
			found++
			sum.ReposConfirmed++
		}
		added := c.indexDiscoveries(idx, result.Items)
		sum.ItemsIndexed += added
		log.Info("repository confirmed",
			zap.String("repo", repo.Repository.FullName),
			zap.Int("marker_files", len(result.Files)),
			zap.Int("items_indexed", added),
		)
	}

	sum.AuthorsProcessed++
	metrics.ObserveAuthor("processed")
	rec := state.AuthorRecord{
		LastProcessed:     c.deps.Clock.Now(),
		RepositoriesFound: found,
		Success:           true,
	}
	if failed > 0 {
		rec.Error = fmt.Sprintf("%d repositories could not be inspected", failed)
	}
	return rec, nil
}

func (c *Crawler) indexDiscoveries(idx Index, items []crawler.IndexedItem) int {
	if !c.cfg.IndexDiscoveries || len(items) == 0 {
		return 0
	}
	added := idx.Merge(items...)
	metrics.ObserveItemsIndexed("authors", added)
	return added
}

// FetchRepositories lists every repository author owns, stopping with
// ErrTooManyRepositories as soon as the count exceeds the threshold.
func (c *Crawler) FetchRepositories(ctx context.Context, author string) ([]crawler.RepoMetadata, error) {
	var all []crawler.RepoMetadata
	for page := 1; ; page++ {
		var batch []crawler.RepoMetadata
		err := crawler.Retry(ctx, c.deps.Policy, c.deps.Pauser, func(ctx context.Context) error {
			var err error
			batch, err = c.deps.Repos.ListUserRepositories(ctx, author, page, perPage)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list repositories of %s: %w", author, err)
		}
		all = append(all, batch...)
		if len(all) > c.cfg.MaxRepositories {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyRepositories, c.cfg.MaxRepositories)
		}
		if len(batch) < perPage {
			return all, nil
		}
	}
}

func (c *Crawler) candidate(repo crawler.RepoMetadata, known map[string]struct{}, st *state.AuthorFinderState) (string, bool) {
	name := repo.Repository.FullName
	switch {
	case repo.CloneURL == "":
		return "no clone url", false
	case c.cfg.SkipForks && repo.Fork:
		return "fork", false
	case c.cfg.MaxRepoSizeKB > 0 && repo.SizeKB > c.cfg.MaxRepoSizeKB:
		metrics.ObserveClone("oversized")
		return "oversized", false
	}
	if _, ok := known[name]; ok {
		return "already indexed", false
	}
	for _, d := range st.DiscoveredRepositories {
		if d == name {
			return "already discovered", false
		}
	}
	return "", true
}

// Inspection is the outcome of inspecting one clone.
type Inspection struct {
	Confirmed bool
	// Files are marker-bearing paths relative to the clone root.
	Files []string
	// Items are the plugin records extracted from Files.
	Items []crawler.IndexedItem
}

// Inspect clones repo into a fresh scratch directory and scans it for the
// marker. The scratch directory is removed on every return path.
func (c *Crawler) Inspect(ctx context.Context, repo crawler.RepoMetadata) (Inspection, error) {
	if err := c.deps.Limiter.Wait(ctx, crawler.BucketClone); err != nil {
		return Inspection{}, err
	}
	dir, err := os.MkdirTemp(c.cfg.ScratchDir, "clone-*")
	if err != nil {
		return Inspection{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			c.logger.Warn("scratch cleanup failed", zap.String("dir", dir), zap.Error(rmErr))
		}
	}()

	if err := c.deps.Cloner.ShallowClone(ctx, repo.CloneURL, dir, c.cfg.CloneTimeout); err != nil {
		if errors.Is(err, crawler.ErrCloneTimeout) {
			metrics.ObserveClone("timeout")
		} else {
			metrics.ObserveClone("error")
		}
		return Inspection{}, err
	}

	matches, err := scan(dir, c.cfg.Extensions, []byte(c.cfg.Marker), c.cfg.MaxFileBytes)
	if err != nil {
		metrics.ObserveClone("error")
		return Inspection{}, fmt.Errorf("scan %s: %w", repo.Repository.FullName, err)
	}
	if len(matches) == 0 {
		metrics.ObserveClone("no_match")
		return Inspection{}, nil
	}
	metrics.ObserveClone("match")

	out := Inspection{Confirmed: true}
	for _, m := range matches {
		out.Files = append(out.Files, m.path)
		if item, ok := c.itemFor(repo, m); ok {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func (c *Crawler) itemFor(repo crawler.RepoMetadata, m match) (crawler.IndexedItem, bool) {
	if c.deps.Extractor == nil {
		return crawler.IndexedItem{}, false
	}
	ref := repo.Repository.DefaultBranch
	if ref == "" {
		ref = "HEAD"
	}
	hit := crawler.CodeHit{
		Name:       m.name,
		Path:       m.path,
		SHA:        m.sha,
		HTMLURL:    extract.BlobURL(repo.Repository.HTMLURL, ref, m.path),
		Repository: repo.Repository,
	}
	return c.deps.Extractor.Extract(m.content, hit)
}
