// Package search executes one shard's paginated code-search query.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/shard"
)

// MaxPerPage is the largest page size the host accepts.
const MaxPerPage = 100

// Config describes the query every shard refines.
type Config struct {
	// Query is the marker string, e.g. `"namespace Oxide.Plugins"`.
	Query     string
	Language  string
	Extension string
	PerPage   int
}

// Result is what one shard's query returned.
type Result struct {
	// Total is the count reported by the host, possibly above the cap.
	Total int
	// Hits holds the results actually read, never more than shard.ResultCap.
	Hits []crawler.CodeHit
	// Partial is set when reading stopped early because the shard will be split.
	Partial bool
}

// Executor runs shard queries with retry and pacing.
type Executor struct {
	cfg    Config
	client crawler.SearchClient
	policy crawler.RetryPolicy
	pauser crawler.Pauser
	logger *zap.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(cfg Config, client crawler.SearchClient, policy crawler.RetryPolicy, pauser crawler.Pauser, logger *zap.Logger) (*Executor, error) {
	if client == nil || policy == nil || pauser == nil {
		return nil, errors.New("search client, retry policy, and pauser are required")
	}
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, fmt.Errorf("%w: search query is required", crawler.ErrFatal)
	}
	if cfg.PerPage <= 0 || cfg.PerPage > MaxPerPage {
		cfg.PerPage = MaxPerPage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, client: client, policy: policy, pauser: pauser, logger: logger}, nil
}

// Query returns the base query string.
func (e *Executor) Query() string {
	return e.cfg.Query
}

// BuildQuery renders the full query for a shard. The shard's upper bound is
// exclusive while the host's size range is inclusive.
func BuildQuery(base, language, extension string, s crawler.SearchShard) string {
	parts := []string{strings.TrimSpace(base)}
	if language != "" {
		parts = append(parts, "language:"+language)
	}
	if extension != "" {
		parts = append(parts, "extension:"+strings.TrimPrefix(extension, "."))
	}
	parts = append(parts,
		fmt.Sprintf("size:%d..%d", s.SizeMin, s.SizeMax-1),
		s.Fork.Qualifier(),
	)
	return strings.Join(parts, " ")
}

// Execute pages through the shard's results. It stops at the reported total,
// at a short page, or at the result cap. When the first page already reports
// the cap and the shard can be split, only that page is read.
func (e *Executor) Execute(ctx context.Context, s crawler.SearchShard) (Result, error) {
	query := BuildQuery(e.cfg.Query, e.cfg.Language, e.cfg.Extension, s)
	maxPages := (shard.ResultCap + e.cfg.PerPage - 1) / e.cfg.PerPage

	var res Result
	for page := 1; page <= maxPages; page++ {
		var got crawler.SearchPage
		err := crawler.Retry(ctx, e.policy, e.pauser, func(ctx context.Context) error {
			var err error
			got, err = e.client.SearchCode(ctx, query, page, e.cfg.PerPage)
			return err
		})
		if err != nil {
			return Result{}, fmt.Errorf("shard %s page %d: %w", s.ID(), page, err)
		}
		if page == 1 {
			res.Total = got.TotalCount
			if res.Total >= shard.ResultCap && s.Splittable() {
				res.Hits = got.Hits
				res.Partial = true
				e.logger.Debug("shard at result cap, deferring to split",
					zap.String("shard", s.ID()),
					zap.Int("total", res.Total),
				)
				return res, nil
			}
		}
		room := shard.ResultCap - len(res.Hits)
		if len(got.Hits) > room {
			got.Hits = got.Hits[:room]
		}
		res.Hits = append(res.Hits, got.Hits...)

		if len(got.Hits) < e.cfg.PerPage || len(res.Hits) >= res.Total || len(res.Hits) >= shard.ResultCap {
			break
		}
	}
	e.logger.Debug("shard executed",
		zap.String("shard", s.ID()),
		zap.Int("total", res.Total),
		zap.Int("hits", len(res.Hits)),
	)
	return res, nil
}
