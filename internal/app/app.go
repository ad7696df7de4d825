// Package app initializes and holds long-lived crawler services, acting as a
// dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/plugin-crawler/internal/authors"
	"github.com/JakeFAU/plugin-crawler/internal/clock/system"
	"github.com/JakeFAU/plugin-crawler/internal/config"
	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/driver"
	"github.com/JakeFAU/plugin-crawler/internal/extract"
	"github.com/JakeFAU/plugin-crawler/internal/gitclone"
	"github.com/JakeFAU/plugin-crawler/internal/github"
	"github.com/JakeFAU/plugin-crawler/internal/hash/sha256"
	"github.com/JakeFAU/plugin-crawler/internal/id/uuid"
	"github.com/JakeFAU/plugin-crawler/internal/index"
	"github.com/JakeFAU/plugin-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/plugin-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/plugin-crawler/internal/search"
	"github.com/JakeFAU/plugin-crawler/internal/shard"
	"github.com/JakeFAU/plugin-crawler/internal/state"
	gcsstorage "github.com/JakeFAU/plugin-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/plugin-crawler/internal/storage/local"
	pgstore "github.com/JakeFAU/plugin-crawler/internal/storage/postgres"
)

// Local holds the on-disk pieces every command needs. Opening it never
// touches the network.
type Local struct {
	Planner     *shard.Planner
	CrawlStore  *state.Store[*state.CrawlState]
	AuthorStore *state.Store[*state.AuthorFinderState]
	IndexPath   string
}

// OpenLocal builds the planner and both state stores from cfg.
func OpenLocal(cfg config.Config, logger *zap.Logger) *Local {
	planner := shard.NewPlanner(shard.Config{
		MaxSize:   cfg.Search.MaxSize,
		BaseWidth: cfg.Search.BaseWidth,
	}, logger.Named("shard"))
	return &Local{
		Planner:     planner,
		CrawlStore:  state.NewCrawlStore(cfg.Paths.State, planner.Validate, logger.Named("crawl_state")),
		AuthorStore: state.NewAuthorStore(cfg.Paths.AuthorState, logger.Named("author_state")),
		IndexPath:   cfg.Paths.Index,
	}
}

// App holds the services of a crawl run.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Local  *Local
	Index  *index.Store
	Driver *driver.Driver

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// closeFunc adapts a function to io.Closer.
type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Build creates every dependency of a crawl. Resources acquired before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if err := cfg.ValidateCrawl(); err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrFatal, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("building application dependencies",
		zap.String("query", cfg.Search.Query),
		zap.Bool("continuous", cfg.Run.Continuous),
		zap.Bool("authors", cfg.Authors.Enabled),
	)

	clock := system.New()
	policy := crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})
	pauser := crawler.TimerPauser{}
	limiter := ratelimit.New(ratelimit.Config{
		Buckets: map[string]ratelimit.BucketConfig{
			crawler.BucketSearch: {RPS: cfg.GitHub.SearchRPS, Burst: cfg.GitHub.SearchBurst},
			crawler.BucketCore:   {RPS: cfg.GitHub.CoreRPS, Burst: cfg.GitHub.CoreBurst},
			crawler.BucketClone:  {RPS: cfg.Authors.CloneRPS, Burst: 1},
		},
	})

	client, err := github.New(github.Config{
		BaseURL:       cfg.GitHub.APIURL,
		Token:         cfg.GitHub.Token,
		UserAgent:     cfg.GitHub.UserAgent,
		Timeout:       cfg.GitHub.Timeout,
		MaxRetryAfter: cfg.GitHub.MaxRetryAfter,
		BlobCacheSize: cfg.GitHub.BlobCacheSize,
	}, nil, limiter, clock, logger.Named("github"))
	if err != nil {
		return nil, fmt.Errorf("github client init failed: %w", err)
	}

	executor, err := search.NewExecutor(search.Config{
		Query:     cfg.Search.Query,
		Language:  cfg.Search.Language,
		Extension: cfg.Search.Extension,
		PerPage:   cfg.Search.PerPage,
	}, client, policy, pauser, logger.Named("search"))
	if err != nil {
		return nil, fmt.Errorf("search executor init failed: %w", err)
	}

	extractor := extract.New(extract.Config{
		Language:  cfg.Search.Language,
		BaseTypes: cfg.Extract.BaseTypes,
	}, clock)

	for _, path := range []string{cfg.Paths.State, cfg.Paths.AuthorState, cfg.Paths.Index} {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	a.Local = OpenLocal(cfg, logger)
	a.Index, err = index.Open(ctx, cfg.Paths.Index, cfg.Search.Query, clock, sha256.New(), logger.Named("index"))
	if err != nil {
		return nil, fmt.Errorf("index open failed: %w", err)
	}

	deps := driver.Deps{
		Planner:     a.Local.Planner,
		Executor:    executor,
		Blobs:       client,
		Repos:       client,
		Extractor:   extractor,
		Index:       a.Index,
		CrawlStore:  a.Local.CrawlStore,
		AuthorStore: a.Local.AuthorStore,
		Policy:      policy,
		Pauser:      pauser,
		Clock:       clock,
		IDs:         uuid.New(),
	}

	if cfg.Authors.Enabled {
		deps.Authors, err = authors.New(authors.Config{
			Freshness:        cfg.Authors.Freshness,
			MaxRepositories:  cfg.Authors.MaxRepositories,
			MaxRepoSizeKB:    cfg.Authors.MaxRepoSizeKB,
			CloneTimeout:     cfg.Authors.CloneTimeout,
			ScratchDir:       cfg.Paths.ScratchDir,
			Extensions:       cfg.Authors.Extensions,
			Marker:           cfg.Authors.Marker,
			SkipForks:        cfg.Authors.SkipForks,
			IndexDiscoveries: cfg.Authors.IndexDiscoveries,
		}, authors.Deps{
			Repos:     client,
			Cloner:    gitclone.New(cfg.Authors.GitBinary, logger.Named("git")),
			Limiter:   limiter,
			Policy:    policy,
			Pauser:    pauser,
			Clock:     clock,
			Extractor: extractor,
			Store:     a.Local.AuthorStore,
		}, logger.Named("authors"))
		if err != nil {
			return nil, fmt.Errorf("author crawler init failed: %w", err)
		}
	}

	if deps.Publisher, err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.setupLedger(ctx, &deps); err != nil {
		return nil, err
	}

	a.Driver, err = driver.New(driver.Config{
		Continuous:     cfg.Run.Continuous,
		CycleDelay:     cfg.Run.CycleDelay,
		ErrorDelay:     cfg.Run.ErrorDelay,
		RescanInterval: cfg.Run.RescanInterval,
		RepoCacheTTL:   cfg.Run.RepoCacheTTL,
	}, deps, logger.Named("driver"))
	if err != nil {
		return nil, fmt.Errorf("driver init failed: %w", err)
	}
	return a, nil
}

func (a *App) setupPublisher(ctx context.Context) (*index.Publisher, error) {
	cfg := a.cfg.Publish
	if !cfg.Enabled() {
		a.logger.Info("no publish target configured; artifact stays local", zap.String("path", a.cfg.Paths.Index))
		return nil, nil
	}

	var store crawler.BlobStore
	switch {
	case cfg.GCSBucket != "":
		client, err := storage.NewClient(ctx, option.WithUserAgent(a.cfg.GitHub.UserAgent))
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs client", client)
		gcs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := gcs.CheckBucket(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("publishing to GCS", zap.String("bucket", cfg.GCSBucket), zap.String("prefix", cfg.GCSPrefix))
		store = gcs
	default:
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("publishing to local directory", zap.String("dir", cfg.LocalDir))
		store = local
	}

	var notifier crawler.Publisher
	if cfg.PubSubTopic != "" {
		ps, err := pubsubpublisher.Open(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub client", ps)
		a.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", cfg.PubSubProject),
			zap.String("topic", cfg.PubSubTopic),
		)
		notifier = ps
	}

	pub, err := index.NewPublisher(index.PublishConfig{
		Object:      cfg.Object,
		CacheMaxAge: cfg.CacheMaxAge,
		Topic:       cfg.PubSubTopic,
	}, store, notifier, a.logger.Named("publisher"))
	if err != nil {
		return nil, fmt.Errorf("publisher init failed: %w", err)
	}
	return pub, nil
}

func (a *App) setupLedger(ctx context.Context, deps *driver.Deps) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no db.dsn configured; run ledger disabled")
		return nil
	}
	runs, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run ledger init failed: %w", err)
	}
	a.addCloser("run ledger", closeFunc(func() error {
		runs.Close()
		return nil
	}))
	if err := runs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("run ledger schema: %w", err)
	}
	a.logger.Info("run ledger initialized", zap.String("table", a.cfg.DB.Table))
	deps.Ledger = runs
	return nil
}

func (a *App) addCloser(name string, c io.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Ready reports whether the state directory is still reachable.
func (a *App) Ready() error {
	dir := filepath.Dir(a.cfg.Paths.State)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("state directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state directory %s is not a directory", dir)
	}
	return nil
}

// Close releases resources in reverse acquisition order.
func (a *App) Close(_ context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", nc.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", nc.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
