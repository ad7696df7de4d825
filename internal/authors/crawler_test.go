package authors

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/extract"
	"github.com/JakeFAU/plugin-crawler/internal/gitclone"
	"github.com/JakeFAU/plugin-crawler/internal/hash/sha256"
	"github.com/JakeFAU/plugin-crawler/internal/index"
	"github.com/JakeFAU/plugin-crawler/internal/state"
)

const pluginSource = `namespace Oxide.Plugins
{
    [Info("Hidden Gem", "alice", "1.0.0")]
    public class HiddenGem : RustPlugin { }
}
`

var testNow = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type noPause struct{}

func (noPause) Pause(context.Context, time.Duration) {}

type openLimiter struct{}

func (openLimiter) Wait(context.Context, string) error { return nil }

type fakeRepos struct {
	mu     sync.Mutex
	byUser map[string][]crawler.RepoMetadata
	errs   map[string]error
	calls  []string
}

func (f *fakeRepos) GetRepository(_ context.Context, fullName string) (crawler.RepoMetadata, error) {
	return crawler.RepoMetadata{}, fmt.Errorf("%s: %w", fullName, crawler.ErrNotFound)
}

func (f *fakeRepos) ListUserRepositories(_ context.Context, user string, page, perPage int) ([]crawler.RepoMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s#%d", user, page))
	if err := f.errs[user]; err != nil {
		return nil, err
	}
	all := f.byUser[user]
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil, nil
	}
	return all[start:min(start+perPage, len(all))], nil
}

// fakeCloner writes files[url] into dest, then returns errs[url].
type fakeCloner struct {
	mu    sync.Mutex
	files map[string]map[string]string
	errs  map[string]error
	dests []string
}

func (f *fakeCloner) ShallowClone(_ context.Context, url, dest string, _ time.Duration) error {
	f.mu.Lock()
	f.dests = append(f.dests, dest)
	f.mu.Unlock()
	for name, body := range f.files[url] {
		path := filepath.Join(dest, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return f.errs[url]
}

func repo(owner, name string) crawler.RepoMetadata {
	full := owner + "/" + name
	return crawler.RepoMetadata{
		Repository: crawler.RepositoryInfo{
			FullName:      full,
			Name:          name,
			HTMLURL:       "https://github.com/" + full,
			OwnerLogin:    owner,
			DefaultBranch: "main",
		},
		SizeKB:   10,
		CloneURL: "https://github.com/" + full + ".git",
	}
}

func seededIndex(t *testing.T, owners ...string) *index.Store {
	t.Helper()
	idx, err := index.Open(context.Background(), filepath.Join(t.TempDir(), "plugins.json"), "q", fixedClock{now: testNow}, sha256.New(), nil)
	require.NoError(t, err)
	for _, owner := range owners {
		idx.Merge(crawler.IndexedItem{
			PluginName: "Seed",
			File:       crawler.FileInfo{Path: "Seed.cs", SHA: owner},
			Repository: crawler.RepositoryInfo{FullName: owner + "/seed", OwnerLogin: owner},
		})
	}
	return idx
}

type harness struct {
	crawler *Crawler
	repos   *fakeRepos
	cloner  *fakeCloner
	store   *state.Store[*state.AuthorFinderState]
	scratch string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		repos:   &fakeRepos{byUser: map[string][]crawler.RepoMetadata{}, errs: map[string]error{}},
		cloner:  &fakeCloner{files: map[string]map[string]string{}, errs: map[string]error{}},
		store:   state.NewAuthorStore(filepath.Join(t.TempDir(), "authors.json"), nil),
		scratch: t.TempDir(),
	}
	cfg.ScratchDir = h.scratch
	c, err := New(cfg, Deps{
		Repos:     h.repos,
		Cloner:    h.cloner,
		Limiter:   openLimiter{},
		Policy:    crawler.NewExponentialRetryPolicy(crawler.RetryConfig{MaxAttempts: 1}),
		Pauser:    noPause{},
		Clock:     fixedClock{now: testNow},
		Extractor: extract.New(extract.Config{}, fixedClock{now: testNow}),
		Store:     h.store,
	}, nil)
	require.NoError(t, err)
	h.crawler = c
	return h
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch directories must be removed")
}

func TestRunConfirmsAndIndexesDiscoveries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{IndexDiscoveries: true})
	gem := repo("alice", "gems")
	h.repos.byUser["alice"] = []crawler.RepoMetadata{repo("alice", "seed"), gem, repo("alice", "dotfiles")}
	h.cloner.files[gem.CloneURL] = map[string]string{
		"plugins/HiddenGem.cs": pluginSource,
		"README.md":            "namespace Oxide.Plugins",
		".git/config":          "namespace Oxide.Plugins",
	}
	h.cloner.files[repo("alice", "dotfiles").CloneURL] = map[string]string{"init.cs": "class Dotfiles {}"}
	idx := seededIndex(t, "alice")
	st := state.NewAuthorFinderState()

	sum, err := h.crawler.Run(context.Background(), st, idx)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.AuthorsProcessed)
	assert.Equal(t, 2, sum.ReposInspected, "the already indexed repository is not cloned")
	assert.Equal(t, 1, sum.ReposConfirmed)
	assert.Equal(t, 1, sum.ItemsIndexed)
	assert.Equal(t, []string{"alice/gems"}, st.DiscoveredRepositories)
	assert.Equal(t, 0, st.CurrentAuthorIndex)

	rec := st.ProcessedAuthors["alice"]
	assert.True(t, rec.Success)
	assert.Equal(t, 1, rec.RepositoriesFound)
	assert.Equal(t, testNow, rec.LastProcessed)

	sha := gitclone.BlobSHA([]byte(pluginSource))
	require.True(t, idx.Has(crawler.DedupKey("alice/gems", "plugins/HiddenGem.cs", sha)))
	items := idx.Items()
	found := items[len(items)-1]
	assert.Equal(t, "Hidden Gem", found.PluginName)
	assert.Equal(t, "https://github.com/alice/gems/blob/main/plugins/HiddenGem.cs", found.File.HTMLURL)
	assert.Equal(t, "https://raw.githubusercontent.com/alice/gems/main/plugins/HiddenGem.cs", found.File.RawURL)
	assert.False(t, idx.Dirty(), "the index is flushed before state is saved")

	saved, ok := h.store.Load(context.Background())
	require.True(t, ok)
	assert.Equal(t, []string{"alice/gems"}, saved.DiscoveredRepositories)

	requireEmptyDir(t, h.scratch)
}

func TestRunCleansUpAfterCloneTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	slow := repo("bob", "huge")
	h.repos.byUser["bob"] = []crawler.RepoMetadata{slow}
	h.cloner.files[slow.CloneURL] = map[string]string{"partial.cs": pluginSource}
	h.cloner.errs[slow.CloneURL] = crawler.ErrCloneTimeout
	st := state.NewAuthorFinderState()

	sum, err := h.crawler.Run(context.Background(), st, seededIndex(t, "bob"))
	require.NoError(t, err)

	assert.Equal(t, 0, sum.ReposConfirmed)
	assert.Empty(t, st.DiscoveredRepositories, "a timed out clone is never marked discovered")
	rec := st.ProcessedAuthors["bob"]
	assert.True(t, rec.Success)
	assert.Contains(t, rec.Error, "1 repositories")
	require.Len(t, h.cloner.dests, 1)
	requireEmptyDir(t, h.scratch)
}

func TestRunSkipsHighVolumeAuthors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	var many []crawler.RepoMetadata
	for i := 0; i < DefaultMaxRepositories+1; i++ {
		many = append(many, repo("carol", fmt.Sprintf("r%03d", i)))
	}
	h.repos.byUser["carol"] = many
	st := state.NewAuthorFinderState()

	sum, err := h.crawler.Run(context.Background(), st, seededIndex(t, "carol"))
	require.NoError(t, err)

	assert.Equal(t, 1, sum.AuthorsSkipped)
	assert.Empty(t, h.cloner.dests, "no clone is attempted for a high-volume author")
	rec := st.ProcessedAuthors["carol"]
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "too many repositories")
	assert.Equal(t, testNow, rec.LastProcessed)
}

func TestRunHonorsFreshness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.repos.byUser["dave"] = []crawler.RepoMetadata{repo("dave", "x")}
	h.repos.byUser["erin"] = []crawler.RepoMetadata{repo("erin", "y")}
	st := state.NewAuthorFinderState()
	st.ProcessedAuthors["dave"] = state.AuthorRecord{LastProcessed: testNow.Add(-24 * time.Hour), Success: true}
	st.ProcessedAuthors["erin"] = state.AuthorRecord{LastProcessed: testNow.Add(-8 * 24 * time.Hour), Success: true}

	sum, err := h.crawler.Run(context.Background(), st, seededIndex(t, "dave", "erin"))
	require.NoError(t, err)

	assert.Equal(t, 1, sum.AuthorsFresh)
	assert.Equal(t, 1, sum.AuthorsProcessed)
	assert.Equal(t, []string{"erin#1"}, h.repos.calls)
}

func TestRunResumesFromCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	st := state.NewAuthorFinderState()
	st.CurrentAuthorIndex = 1

	_, err := h.crawler.Run(context.Background(), st, seededIndex(t, "frank", "grace", "heidi"))
	require.NoError(t, err)

	assert.Equal(t, []string{"grace#1", "heidi#1"}, h.repos.calls)
	assert.NotContains(t, st.ProcessedAuthors, "frank")
	assert.Equal(t, 0, st.CurrentAuthorIndex, "a completed pass rewinds the cursor")
}

func TestRunCheckpointsCursorAcrossFreshAuthors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{FreshCheckpoint: 2})
	h.repos.errs["cal"] = &crawler.HostError{Status: http.StatusUnauthorized}
	st := state.NewAuthorFinderState()
	for _, author := range []string{"amy", "bea"} {
		st.ProcessedAuthors[author] = state.AuthorRecord{LastProcessed: testNow.Add(-time.Hour), Success: true}
	}

	sum, err := h.crawler.Run(context.Background(), st, seededIndex(t, "amy", "bea", "cal"))
	require.True(t, crawler.IsFatal(err))
	assert.Equal(t, 2, sum.AuthorsFresh)

	saved, ok := h.store.Load(context.Background())
	require.True(t, ok, "a run of fresh authors is checkpointed before the next author starts")
	assert.Equal(t, 2, saved.CurrentAuthorIndex)
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := state.NewAuthorFinderState()

	_, err := h.crawler.Run(ctx, st, seededIndex(t, "ivan"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, st.ProcessedAuthors)
}

func TestCandidateFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SkipForks: true, MaxRepoSizeKB: 100})
	st := state.NewAuthorFinderState()
	st.AddDiscovery("judy/found")
	known := map[string]struct{}{"judy/indexed": {}}

	fork := repo("judy", "fork")
	fork.Fork = true
	big := repo("judy", "big")
	big.SizeKB = 101
	noURL := repo("judy", "nourl")
	noURL.CloneURL = ""

	tests := []struct {
		repo   crawler.RepoMetadata
		reason string
	}{
		{repo: repo("judy", "fresh")},
		{repo: repo("judy", "indexed"), reason: "already indexed"},
		{repo: repo("judy", "found"), reason: "already discovered"},
		{repo: fork, reason: "fork"},
		{repo: big, reason: "oversized"},
		{repo: noURL, reason: "no clone url"},
	}
	for _, tt := range tests {
		reason, ok := h.crawler.candidate(tt.repo, known, st)
		assert.Equal(t, tt.reason == "", ok, tt.repo.Repository.FullName)
		assert.Equal(t, tt.reason, reason)
	}
}

func TestScanSkipsLargeAndForeignFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write := func(name, body string) {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("A.cs", "namespace Oxide.Plugins {}")
	write("B.CS", "namespace Oxide.Plugins {}")
	write("C.txt", "namespace Oxide.Plugins {}")
	write("big/D.cs", "namespace Oxide.Plugins // padding padding padding")
	write(".git/E.cs", "namespace Oxide.Plugins {}")

	matches, err := scan(root, []string{".cs"}, []byte("namespace Oxide.Plugins"), 30)
	require.NoError(t, err)
	var paths []string
	for _, m := range matches {
		paths = append(paths, m.path)
	}
	assert.ElementsMatch(t, []string{"A.cs", "B.CS"}, paths)
}
