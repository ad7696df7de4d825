package driver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/metrics"
	"github.com/JakeFAU/plugin-crawler/internal/shard"
	"github.com/JakeFAU/plugin-crawler/internal/state"
)

// errAbandon ends the current shard for this pass, leaving it pending.
var errAbandon = errors.New("shard abandoned")

// primaryPass drains the shard queue. Shards that fail retryably join a
// per-pass skip set so the pass always terminates.
func (d *Driver) primaryPass(ctx context.Context, log *zap.Logger, st *state.CrawlState, sum *crawler.CycleSummary) error {
	st.Queue = d.deps.Planner.Initialize(st.Queue)
	d.maybeRescan(log, st)

	skip := map[string]struct{}{}
	worked := false
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("search pass: %w", err)
		}
		next, ok := d.deps.Planner.NextPending(st.Queue, skip)
		if !ok {
			break
		}
		worked = true
		err := d.processShard(ctx, log, st, next, sum)
		switch {
		case err == nil:
		case crawler.IsFatal(err), ctx.Err() != nil:
			return err
		default:
			skip[next.ID()] = struct{}{}
			sum.ShardsFailed++
			metrics.ObserveShard("failed")
			log.Warn("shard abandoned for this pass",
				zap.String("shard", next.ID()),
				zap.Error(err),
			)
		}
	}

	if worked && shard.Exhausted(st.Queue) {
		now := d.deps.Clock.Now()
		st.LastFullScan = &now
		if err := d.deps.CrawlStore.Save(ctx, st); err != nil {
			return err
		}
	}
	stats := shard.Summarize(st.Queue)
	log.Info("search pass finished",
		zap.Int("shards", len(st.Queue)),
		zap.Int("done", stats.Done),
		zap.Int("pending", stats.Pending),
		zap.Int("overflow", stats.Overflow),
		zap.Int("skipped", len(skip)),
	)
	return nil
}

// maybeRescan resets a fully done queue once RescanInterval has elapsed
// since the last full scan. The refined partition is kept.
func (d *Driver) maybeRescan(log *zap.Logger, st *state.CrawlState) {
	if !shard.Exhausted(st.Queue) {
		return
	}
	now := d.deps.Clock.Now()
	if st.LastFullScan != nil && now.Sub(*st.LastFullScan) < d.cfg.RescanInterval {
		log.Info("queue complete; rescan not yet due",
			zap.Time("last_full_scan", *st.LastFullScan),
			zap.Duration("rescan_interval", d.cfg.RescanInterval),
		)
		return
	}
	st.Queue = shard.Reset(st.Queue)
	log.Info("queue complete; starting rescan", zap.Int("shards", len(st.Queue)))
}

// processShard runs one shard end to end and checkpoints. Items are merged
// and the index flushed before the state is saved, so processed keys never
// outrun persisted items.
func (d *Driver) processShard(ctx context.Context, log *zap.Logger, st *state.CrawlState, s crawler.SearchShard, sum *crawler.CycleSummary) error {
	shardLog := log.With(zap.String("shard", s.ID()))
	res, err := d.deps.Executor.Execute(ctx, s)
	if err != nil {
		return err
	}

	var hitErr error
	if !res.Partial {
		hitErr = d.processHits(ctx, shardLog, st, res.Hits, sum)
		if hitErr != nil && !errors.Is(hitErr, errAbandon) {
			return hitErr
		}
	}

	if hitErr == nil {
		var outcome shard.Outcome
		st.Queue, outcome, err = d.deps.Planner.RecordResult(st.Queue, s, res.Total)
		if err != nil {
			return err
		}
		sum.ShardsProcessed++
		switch outcome {
		case shard.OutcomeSplit:
			sum.ShardsSplit++
		case shard.OutcomeOverflow:
			sum.Overflows++
		}
		metrics.ObserveShard(outcome.String())
	}

	if _, _, err := d.deps.Index.Flush(ctx); err != nil {
		return err
	}
	if err := d.deps.CrawlStore.Save(ctx, st); err != nil {
		return err
	}
	shardLog.Debug("shard checkpointed", zap.Int("total", res.Total), zap.Int("hits", len(res.Hits)))
	return hitErr
}

// processHits fetches, extracts, and merges new hits. A transient fetch
// failure stops the shard with errAbandon after merging what was gathered,
// until the same hit has failed MaxHitFailures cycles in a row. Any other
// non-fatal failure skips the hit. Skipped hits are not recorded as
// processed, so a later pass tries them again.
func (d *Driver) processHits(ctx context.Context, log *zap.Logger, st *state.CrawlState, hits []crawler.CodeHit, sum *crawler.CycleSummary) error {
	var (
		pending []crawler.IndexedItem
		stopErr error
	)
	for _, hit := range hits {
		key := hit.Key()
		if st.ProcessedKeys.Has(key) || d.deps.Index.Has(key) {
			metrics.ObserveItemSkipped("known")
			continue
		}
		item, ok, err := d.buildItem(ctx, log, st, hit)
		if err != nil {
			if crawler.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			if d.abandonOn(log, st, key, err) {
				stopErr = fmt.Errorf("%w: %w", errAbandon, err)
				break
			}
			continue
		}
		delete(st.FailedHits, key)
		if !ok {
			st.ProcessedKeys.Add(key)
			sum.FalsePositives++
			metrics.ObserveItemSkipped("false_positive")
			log.Debug("no plugin declaration found", zap.String("key", key))
			continue
		}
		pending = append(pending, item)
	}

	added := d.deps.Index.Merge(pending...)
	for _, item := range pending {
		st.ProcessedKeys.Add(item.Key())
	}
	sum.ItemsDiscovered += added
	metrics.ObserveItemsIndexed("search", added)
	for _, item := range pending {
		log.Info("plugin indexed",
			zap.String("plugin", item.PluginName),
			zap.String("repo", item.Repository.FullName),
			zap.String("path", item.File.Path),
		)
	}
	return stopErr
}

// abandonOn classifies a non-fatal hit failure. It reports true when the
// shard should be abandoned for this cycle and false when the hit is skipped.
func (d *Driver) abandonOn(log *zap.Logger, st *state.CrawlState, key string, err error) bool {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		delete(st.FailedHits, key)
		metrics.ObserveItemSkipped("not_found")
		log.Info("hit vanished before fetch", zap.String("key", key), zap.Error(err))
		return false
	case errors.Is(err, crawler.ErrRetryable):
		if st.FailedHits == nil {
			st.FailedHits = map[string]int{}
		}
		st.FailedHits[key]++
		if n := st.FailedHits[key]; n < d.cfg.MaxHitFailures {
			return true
		}
		metrics.ObserveItemSkipped("failing")
		log.Warn("hit keeps failing; skipping it this pass",
			zap.String("key", key),
			zap.Int("failures", st.FailedHits[key]),
			zap.Error(err),
		)
		return false
	default:
		delete(st.FailedHits, key)
		metrics.ObserveItemSkipped("rejected")
		log.Warn("host rejected hit; skipping it", zap.String("key", key), zap.Error(err))
		return false
	}
}

// buildItem returns ok=false when the content carries no plugin declaration.
func (d *Driver) buildItem(ctx context.Context, log *zap.Logger, st *state.CrawlState, hit crawler.CodeHit) (crawler.IndexedItem, bool, error) {
	var blob crawler.Blob
	err := crawler.Retry(ctx, d.deps.Policy, d.deps.Pauser, func(ctx context.Context) error {
		var err error
		blob, err = d.deps.Blobs.FetchBlob(ctx, hit.Repository.FullName, hit.SHA)
		return err
	})
	if err != nil {
		return crawler.IndexedItem{}, false, fmt.Errorf("fetch %s: %w", hit.Key(), err)
	}
	item, ok := d.deps.Extractor.Extract(blob.Content, hit)
	if !ok {
		return crawler.IndexedItem{}, false, nil
	}
	meta, err := d.repository(ctx, log, st, hit.Repository.FullName)
	if err != nil {
		return crawler.IndexedItem{}, false, err
	}
	item.Repository = meta.Repository
	return item, true, nil
}

// repository serves metadata from the state cache while it is younger than
// RepoCacheTTL.
func (d *Driver) repository(ctx context.Context, log *zap.Logger, st *state.CrawlState, fullName string) (crawler.RepoMetadata, error) {
	if meta, ok := st.CachedRepo(fullName, d.deps.Clock.Now(), d.cfg.RepoCacheTTL); ok {
		return meta, nil
	}
	var meta crawler.RepoMetadata
	err := crawler.Retry(ctx, d.deps.Policy, d.deps.Pauser, func(ctx context.Context) error {
		var err error
		meta, err = d.deps.Repos.GetRepository(ctx, fullName)
		return err
	})
	if err != nil {
		return crawler.RepoMetadata{}, fmt.Errorf("repository %s: %w", fullName, err)
	}
	st.RepoCache[fullName] = meta
	log.Debug("repository metadata cached", zap.String("repo", fullName))
	return meta, nil
}
