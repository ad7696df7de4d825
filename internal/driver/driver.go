// Package driver sequences crawl cycles: the shard-driven search pass, the
// author expansion pass, artifact publishing, and the run ledger.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/authors"
	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/extract"
	"github.com/JakeFAU/plugin-crawler/internal/index"
	"github.com/JakeFAU/plugin-crawler/internal/metrics"
	"github.com/JakeFAU/plugin-crawler/internal/search"
	"github.com/JakeFAU/plugin-crawler/internal/shard"
	"github.com/JakeFAU/plugin-crawler/internal/state"
)

// Config controls cycle scheduling.
type Config struct {
	Continuous bool
	CycleDelay time.Duration
	ErrorDelay time.Duration
	// RescanInterval is how long a fully done queue rests before it is
	// reset for another pass.
	RescanInterval time.Duration
	// RepoCacheTTL bounds the age of cached repository metadata.
	RepoCacheTTL time.Duration
	// MaxHitFailures is how many consecutive cycles a hit may fail with a
	// transient error before it stops holding its shard pending.
	MaxHitFailures int
}

const defaultMaxHitFailures = 3

// Ledger records finished cycles.
type Ledger interface {
	RecordCycle(ctx context.Context, sum crawler.CycleSummary) error
}

// Deps are the collaborators of a Driver. Authors, Publisher, and Ledger are optional.
type Deps struct {
	Planner     *shard.Planner
	Executor    *search.Executor
	Blobs       crawler.BlobFetcher
	Repos       crawler.RepoClient
	Extractor   *extract.Extractor
	Index       *index.Store
	CrawlStore  *state.Store[*state.CrawlState]
	AuthorStore *state.Store[*state.AuthorFinderState]
	Authors     *authors.Crawler
	Publisher   *index.Publisher
	Ledger      Ledger
	Policy      crawler.RetryPolicy
	Pauser      crawler.Pauser
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
}

// Driver runs crawl cycles.
type Driver struct {
	cfg  Config
	deps Deps
	// unpublished is set while the index holds changes not yet published.
	unpublished bool
	logger      *zap.Logger
}

// New builds a Driver.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Driver, error) {
	switch {
	case deps.Planner == nil, deps.Executor == nil, deps.Extractor == nil, deps.Index == nil:
		return nil, errors.New("driver: planner, executor, extractor, and index are required")
	case deps.Blobs == nil, deps.Repos == nil, deps.CrawlStore == nil:
		return nil, errors.New("driver: blob fetcher, repo client, and crawl store are required")
	case deps.Policy == nil, deps.Pauser == nil, deps.Clock == nil, deps.IDs == nil:
		return nil, errors.New("driver: retry policy, pauser, clock, and id generator are required")
	case deps.Authors != nil && deps.AuthorStore == nil:
		return nil, errors.New("driver: author pass needs an author store")
	}
	if cfg.MaxHitFailures <= 0 {
		cfg.MaxHitFailures = defaultMaxHitFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run executes one cycle, or loops until ctx ends in continuous mode. A
// non-fatal cycle failure in continuous mode waits ErrorDelay and tries
// again. Fatal errors end the loop in both modes. Cancellation is a clean
// stop.
func (d *Driver) Run(ctx context.Context) error {
	for {
		_, err := d.RunCycle(ctx)
		switch {
		case ctx.Err() != nil:
			d.logger.Info("crawl stopped", zap.Error(ctx.Err()))
			return nil
		case err != nil && crawler.IsFatal(err):
			return err
		case err != nil && !d.cfg.Continuous:
			return err
		case err != nil:
			d.logger.Error("cycle failed; backing off", zap.Error(err), zap.Duration("delay", d.cfg.ErrorDelay))
			d.deps.Pauser.Pause(ctx, d.cfg.ErrorDelay)
		case !d.cfg.Continuous:
			return nil
		default:
			d.logger.Info("cycle complete; sleeping", zap.Duration("delay", d.cfg.CycleDelay))
			d.deps.Pauser.Pause(ctx, d.cfg.CycleDelay)
		}
		if ctx.Err() != nil {
			d.logger.Info("crawl stopped", zap.Error(ctx.Err()))
			return nil
		}
	}
}

// RunCycle runs the search pass, the author pass, and publishing once.
func (d *Driver) RunCycle(ctx context.Context) (crawler.CycleSummary, error) {
	runID, err := d.deps.IDs.NewID()
	if err != nil {
		return crawler.CycleSummary{}, fmt.Errorf("run id: %w", err)
	}
	sum := crawler.CycleSummary{RunID: runID, StartedAt: d.deps.Clock.Now()}
	log := d.logger.With(zap.String("run_id", runID))
	log.Info("cycle starting", zap.String("query", d.deps.Executor.Query()))

	err = d.cycle(ctx, log, &sum)
	d.finish(ctx, log, &sum, err)
	return sum, err
}

func (d *Driver) cycle(ctx context.Context, log *zap.Logger, sum *crawler.CycleSummary) error {
	st, _ := d.deps.CrawlStore.Load(ctx)
	if err := d.primaryPass(ctx, log, st, sum); err != nil {
		return err
	}
	if d.deps.Authors != nil {
		if err := d.authorPass(ctx, sum); err != nil {
			return err
		}
	}
	if sum.ItemsDiscovered > 0 {
		d.unpublished = true
	}
	return d.publish(ctx, log, sum)
}

func (d *Driver) authorPass(ctx context.Context, sum *crawler.CycleSummary) error {
	ast, _ := d.deps.AuthorStore.Load(ctx)
	asum, err := d.deps.Authors.Run(ctx, ast, d.deps.Index)
	sum.AuthorsProcessed += asum.AuthorsProcessed
	sum.AuthorsSkipped += asum.AuthorsSkipped
	sum.ReposConfirmed += asum.ReposConfirmed
	sum.ItemsDiscovered += asum.ItemsIndexed
	if err != nil {
		return fmt.Errorf("author pass: %w", err)
	}
	return nil
}

func (d *Driver) publish(ctx context.Context, log *zap.Logger, sum *crawler.CycleSummary) error {
	if _, _, err := d.deps.Index.Flush(ctx); err != nil {
		return err
	}
	if d.deps.Publisher == nil || !d.unpublished {
		return nil
	}
	snap, err := d.deps.Index.Snapshot(ctx)
	if err != nil {
		return err
	}
	uri, err := d.deps.Publisher.Publish(ctx, snap)
	if err != nil {
		log.Warn("publishing failed; retrying next cycle", zap.Error(err))
		return nil
	}
	d.unpublished = false
	sum.Published = uri
	return nil
}

func (d *Driver) finish(ctx context.Context, log *zap.Logger, sum *crawler.CycleSummary, err error) {
	sum.FinishedAt = d.deps.Clock.Now()
	sum.IndexCount = d.deps.Index.Count()
	switch {
	case err == nil:
		sum.Status = crawler.CycleOK
	case ctx.Err() != nil:
		sum.Status = crawler.CycleCanceled
		sum.Error = err.Error()
	default:
		sum.Status = crawler.CycleFailed
		sum.Error = err.Error()
	}
	metrics.ObserveCycle(sum.Status)

	fields := []zap.Field{
		zap.String("status", sum.Status),
		zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
		zap.Int("shards_processed", sum.ShardsProcessed),
		zap.Int("shards_split", sum.ShardsSplit),
		zap.Int("shards_failed", sum.ShardsFailed),
		zap.Int("overflows", sum.Overflows),
		zap.Int("items_discovered", sum.ItemsDiscovered),
		zap.Int("false_positives", sum.FalsePositives),
		zap.Int("authors_processed", sum.AuthorsProcessed),
		zap.Int("authors_skipped", sum.AuthorsSkipped),
		zap.Int("repos_confirmed", sum.ReposConfirmed),
		zap.Int("index_count", sum.IndexCount),
	}
	if sum.Published != "" {
		fields = append(fields, zap.String("published", sum.Published))
	}
	if err != nil {
		log.Error("cycle summary", append(fields, zap.Error(err))...)
	} else {
		log.Info("cycle summary", fields...)
	}

	if d.deps.Ledger == nil {
		return
	}
	// The ledger row is written even when the cycle was canceled.
	ledgerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if lerr := d.deps.Ledger.RecordCycle(ledgerCtx, *sum); lerr != nil {
		log.Warn("run ledger write failed", zap.Error(lerr))
	}
}
