// Package shard partitions the code-search space into size-range × fork-mode
// shards small enough that each query stays under the host's result cap.
package shard

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

// ResultCap is the maximum number of results the host returns for one query.
const ResultCap = 1000

// Config controls the initial partition.
type Config struct {
	// MaxSize is the exclusive upper bound of the size domain in bytes.
	MaxSize int64
	// BaseWidth is the width of each initial size range.
	BaseWidth int64
}

// Defaults for the host's 384 KB indexing ceiling.
const (
	DefaultMaxSize   int64 = 384 * 1024
	DefaultBaseWidth int64 = 8 * 1024
)

// forkOrder fixes the processing order: every non-fork shard precedes every
// fork shard.
var forkOrder = []crawler.ForkMode{crawler.ForkExcluded, crawler.ForkOnly}

// Planner owns the shard queue inside the crawl state.
type Planner struct {
	cfg    Config
	logger *zap.Logger
}

// NewPlanner builds a Planner, filling zero values with defaults.
func NewPlanner(cfg Config, logger *zap.Logger) *Planner {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.BaseWidth <= 0 {
		cfg.BaseWidth = DefaultBaseWidth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{cfg: cfg, logger: logger}
}

// MaxSize returns the exclusive upper bound of the partitioned domain.
func (p *Planner) MaxSize() int64 {
	return p.cfg.MaxSize
}

// Initialize returns queue unchanged when it already holds shards; otherwise
// it builds the base partition.
func (p *Planner) Initialize(queue []crawler.SearchShard) []crawler.SearchShard {
	if len(queue) > 0 {
		return queue
	}
	out := make([]crawler.SearchShard, 0, 2*int(p.cfg.MaxSize/p.cfg.BaseWidth+1))
	for _, fork := range forkOrder {
		for lo := int64(0); lo < p.cfg.MaxSize; lo += p.cfg.BaseWidth {
			hi := lo + p.cfg.BaseWidth
			if hi > p.cfg.MaxSize {
				hi = p.cfg.MaxSize
			}
			out = append(out, crawler.SearchShard{
				SizeMin: lo,
				SizeMax: hi,
				Fork:    fork,
				Status:  crawler.ShardPending,
			})
		}
	}
	p.logger.Info("initialized shard queue",
		zap.Int("shards", len(out)),
		zap.Int64("max_size", p.cfg.MaxSize),
		zap.Int64("base_width", p.cfg.BaseWidth),
	)
	return out
}

// NextPending returns the first pending shard whose ID is not in skip.
func (p *Planner) NextPending(queue []crawler.SearchShard, skip map[string]struct{}) (crawler.SearchShard, bool) {
	for _, s := range queue {
		if s.Status != crawler.ShardPending {
			continue
		}
		if _, skipped := skip[s.ID()]; skipped {
			continue
		}
		return s, true
	}
	return crawler.SearchShard{}, false
}

// Outcome describes what RecordResult did with a shard.
type Outcome int

// Possible outcomes of RecordResult.
const (
	OutcomeDone Outcome = iota
	OutcomeSplit
	OutcomeOverflow
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSplit:
		return "split"
	case OutcomeOverflow:
		return "overflow"
	default:
		return "done"
	}
}

// RecordResult applies a shard's reported total. A shard at or above the cap
// is replaced in place by its two halves; one that cannot be halved is marked
// done and flagged as overflow.
func (p *Planner) RecordResult(queue []crawler.SearchShard, shard crawler.SearchShard, total int) ([]crawler.SearchShard, Outcome, error) {
	idx := indexOf(queue, shard)
	if idx < 0 {
		return queue, OutcomeDone, fmt.Errorf("shard %s not in queue", shard.ID())
	}
	current := queue[idx]

	if total < ResultCap {
		queue[idx].Status = crawler.ShardDone
		return queue, OutcomeDone, nil
	}

	if !current.Splittable() {
		queue[idx].Status = crawler.ShardDone
		queue[idx].Overflow = true
		p.logger.Warn("shard overflow at minimum width; results beyond the cap are unreachable",
			zap.String("shard", current.ID()),
			zap.Int("total", total),
		)
		return queue, OutcomeOverflow, nil
	}

	lower, upper := Split(current)
	out := make([]crawler.SearchShard, 0, len(queue)+1)
	out = append(out, queue[:idx]...)
	out = append(out, lower, upper)
	out = append(out, queue[idx+1:]...)
	p.logger.Info("split shard",
		zap.String("shard", current.ID()),
		zap.Int("total", total),
		zap.String("lower", lower.ID()),
		zap.String("upper", upper.ID()),
	)
	return out, OutcomeSplit, nil
}

// Split bisects a shard into two pending halves covering the same range.
func Split(s crawler.SearchShard) (crawler.SearchShard, crawler.SearchShard) {
	mid := s.SizeMin + s.Width()/2
	lower := crawler.SearchShard{SizeMin: s.SizeMin, SizeMax: mid, Fork: s.Fork, Status: crawler.ShardPending}
	upper := crawler.SearchShard{SizeMin: mid, SizeMax: s.SizeMax, Fork: s.Fork, Status: crawler.ShardPending}
	return lower, upper
}

// Exhausted reports whether no shard is pending.
func Exhausted(queue []crawler.SearchShard) bool {
	for _, s := range queue {
		if s.Status == crawler.ShardPending {
			return false
		}
	}
	return true
}

// Reset returns every shard to pending, keeping the refined partition.
func Reset(queue []crawler.SearchShard) []crawler.SearchShard {
	for i := range queue {
		queue[i].Status = crawler.ShardPending
		queue[i].Overflow = false
	}
	return queue
}

// Validate checks that, for every fork mode, the shards tile [0, MaxSize)
// with no gap and no overlap.
func (p *Planner) Validate(queue []crawler.SearchShard) error {
	byFork := make(map[crawler.ForkMode][]crawler.SearchShard, len(forkOrder))
	for _, s := range queue {
		switch s.Fork {
		case crawler.ForkExcluded, crawler.ForkOnly:
		default:
			return fmt.Errorf("shard %s: unknown fork mode", s.ID())
		}
		switch s.Status {
		case crawler.ShardPending, crawler.ShardDone:
		default:
			return fmt.Errorf("shard %s: unknown status %q", s.ID(), s.Status)
		}
		if s.SizeMin >= s.SizeMax {
			return fmt.Errorf("shard %s: empty range", s.ID())
		}
		byFork[s.Fork] = append(byFork[s.Fork], s)
	}
	var errs []error
	for _, fork := range forkOrder {
		shards := byFork[fork]
		if len(shards) == 0 {
			errs = append(errs, fmt.Errorf("fork mode %s: no shards", fork))
			continue
		}
		sort.Slice(shards, func(i, j int) bool { return shards[i].SizeMin < shards[j].SizeMin })
		next := int64(0)
		for _, s := range shards {
			switch {
			case s.SizeMin > next:
				errs = append(errs, fmt.Errorf("fork mode %s: gap [%d, %d)", fork, next, s.SizeMin))
			case s.SizeMin < next:
				errs = append(errs, fmt.Errorf("fork mode %s: overlap at %s", fork, s.ID()))
			}
			next = max(next, s.SizeMax)
		}
		if next != p.cfg.MaxSize {
			errs = append(errs, fmt.Errorf("fork mode %s: covers up to %d, want %d", fork, next, p.cfg.MaxSize))
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes a queue.
type Stats struct {
	Pending  int
	Done     int
	Overflow int
}

// Summarize counts shards by status.
func Summarize(queue []crawler.SearchShard) Stats {
	var st Stats
	for _, s := range queue {
		if s.Status == crawler.ShardPending {
			st.Pending++
		} else {
			st.Done++
		}
		if s.Overflow {
			st.Overflow++
		}
	}
	return st
}

func indexOf(queue []crawler.SearchShard, shard crawler.SearchShard) int {
	for i, s := range queue {
		if s.SizeMin == shard.SizeMin && s.SizeMax == shard.SizeMax && s.Fork == shard.Fork {
			return i
		}
	}
	return -1
}
