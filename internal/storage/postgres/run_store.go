// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is the run ledger table name.
const DefaultTable = "crawl_runs"

// RunStoreConfig controls the Postgres connection pool used for the run ledger.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RunStore records one row per crawl cycle.
type RunStore struct {
	pool  execCloser
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool execCloser, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger table when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id            TEXT PRIMARY KEY,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL,
	error             TEXT,
	shards_processed  INTEGER NOT NULL,
	shards_split      INTEGER NOT NULL,
	shards_failed     INTEGER NOT NULL,
	overflows         INTEGER NOT NULL,
	items_discovered  INTEGER NOT NULL,
	false_positives   INTEGER NOT NULL,
	authors_processed INTEGER NOT NULL,
	authors_skipped   INTEGER NOT NULL,
	repos_confirmed   INTEGER NOT NULL,
	index_count       INTEGER NOT NULL,
	published_uri     TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// RecordCycle inserts a cycle summary. Re-recording a run ID overwrites it.
func (s *RunStore) RecordCycle(ctx context.Context, sum crawler.CycleSummary) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if sum.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	started_at,
	finished_at,
	status,
	error,
	shards_processed,
	shards_split,
	shards_failed,
	overflows,
	items_discovered,
	false_positives,
	authors_processed,
	authors_skipped,
	repos_confirmed,
	index_count,
	published_uri
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	status = EXCLUDED.status,
	error = EXCLUDED.error,
	shards_processed = EXCLUDED.shards_processed,
	shards_split = EXCLUDED.shards_split,
	shards_failed = EXCLUDED.shards_failed,
	overflows = EXCLUDED.overflows,
	items_discovered = EXCLUDED.items_discovered,
	false_positives = EXCLUDED.false_positives,
	authors_processed = EXCLUDED.authors_processed,
	authors_skipped = EXCLUDED.authors_skipped,
	repos_confirmed = EXCLUDED.repos_confirmed,
	index_count = EXCLUDED.index_count,
	published_uri = EXCLUDED.published_uri`, s.table)

	args := []any{
		sum.RunID,
		sum.StartedAt,
		sum.FinishedAt,
		sum.Status,
		nullable(sum.Error),
		sum.ShardsProcessed,
		sum.ShardsSplit,
		sum.ShardsFailed,
		sum.Overflows,
		sum.ItemsDiscovered,
		sum.FalsePositives,
		sum.AuthorsProcessed,
		sum.AuthorsSkipped,
		sum.ReposConfirmed,
		sum.IndexCount,
		nullable(sum.Published),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
