package shard

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

func TestInitializeCoversDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		maxSize int64
		width   int64
		perFork int
	}{
		{name: "defaults", maxSize: 0, width: 0, perFork: 48},
		{name: "uneven tail", maxSize: 1000, width: 300, perFork: 4},
		{name: "single shard", maxSize: 100, width: 500, perFork: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewPlanner(Config{MaxSize: tt.maxSize, BaseWidth: tt.width}, nil)
			queue := p.Initialize(nil)

			require.Len(t, queue, 2*tt.perFork)
			require.NoError(t, p.Validate(queue))
			for i, s := range queue {
				require.Equal(t, crawler.ShardPending, s.Status)
				if i < tt.perFork {
					require.Equal(t, crawler.ForkExcluded, s.Fork, "non-fork shards come first")
				} else {
					require.Equal(t, crawler.ForkOnly, s.Fork)
				}
			}
		})
	}
}

func TestInitializeKeepsExistingQueue(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 10, BaseWidth: 10}, nil)
	existing := []crawler.SearchShard{
		{SizeMin: 0, SizeMax: 10, Fork: crawler.ForkExcluded, Status: crawler.ShardDone},
		{SizeMin: 0, SizeMax: 10, Fork: crawler.ForkOnly, Status: crawler.ShardPending},
	}
	require.Equal(t, existing, p.Initialize(existing))
}

func TestRecordResultBelowCapMarksDone(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 100, BaseWidth: 50}, nil)
	queue := p.Initialize(nil)
	first := queue[0]

	queue, outcome, err := p.RecordResult(queue, first, ResultCap-1)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)
	require.Len(t, queue, 4)
	require.Equal(t, crawler.ShardDone, queue[0].Status)

	next, ok := p.NextPending(queue, nil)
	require.True(t, ok)
	require.Equal(t, queue[1], next)
}

func TestRecordResultAtCapSplitsInPlace(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 100, BaseWidth: 50}, nil)
	queue := p.Initialize(nil)
	target := queue[1]

	queue, outcome, err := p.RecordResult(queue, target, ResultCap)
	require.NoError(t, err)
	require.Equal(t, OutcomeSplit, outcome)
	require.Len(t, queue, 5)
	require.NoError(t, p.Validate(queue))

	lower, upper := queue[1], queue[2]
	assert.Equal(t, crawler.SearchShard{SizeMin: 50, SizeMax: 75, Fork: crawler.ForkExcluded, Status: crawler.ShardPending}, lower)
	assert.Equal(t, crawler.SearchShard{SizeMin: 75, SizeMax: 100, Fork: crawler.ForkExcluded, Status: crawler.ShardPending}, upper)

	for _, s := range queue {
		require.NotEqual(t, target.ID(), s.ID(), "the split shard never remains in the queue")
	}
}

func TestSplitPartitionsOriginal(t *testing.T) {
	t.Parallel()

	for _, s := range []crawler.SearchShard{
		{SizeMin: 0, SizeMax: 2, Fork: crawler.ForkOnly},
		{SizeMin: 10, SizeMax: 13, Fork: crawler.ForkExcluded},
		{SizeMin: 0, SizeMax: DefaultMaxSize, Fork: crawler.ForkExcluded},
	} {
		lower, upper := Split(s)
		require.Equal(t, s.SizeMin, lower.SizeMin)
		require.Equal(t, lower.SizeMax, upper.SizeMin)
		require.Equal(t, s.SizeMax, upper.SizeMax)
		require.Greater(t, lower.Width(), int64(0))
		require.Greater(t, upper.Width(), int64(0))
		require.Equal(t, s.Fork, lower.Fork)
		require.Equal(t, s.Fork, upper.Fork)
	}
}

func TestRecordResultOverflowAtMinimumWidth(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 2, BaseWidth: 1}, nil)
	queue := p.Initialize(nil)
	target := queue[0]
	require.False(t, target.Splittable())

	queue, outcome, err := p.RecordResult(queue, target, 4200)
	require.NoError(t, err)
	require.Equal(t, OutcomeOverflow, outcome)
	require.Len(t, queue, 4, "overflow shards are kept, never dropped")
	require.Equal(t, crawler.ShardDone, queue[0].Status)
	require.True(t, queue[0].Overflow)
	require.NoError(t, p.Validate(queue))
	require.Equal(t, 1, Summarize(queue).Overflow)
}

func TestRecordResultUnknownShard(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 10, BaseWidth: 10}, nil)
	queue := p.Initialize(nil)
	_, _, err := p.RecordResult(queue, crawler.SearchShard{SizeMin: 3, SizeMax: 4, Fork: crawler.ForkOnly}, 5)
	require.Error(t, err)
}

func TestNextPendingHonorsSkipSet(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 20, BaseWidth: 10}, nil)
	queue := p.Initialize(nil)
	skip := map[string]struct{}{queue[0].ID(): {}, queue[1].ID(): {}}

	next, ok := p.NextPending(queue, skip)
	require.True(t, ok)
	require.Equal(t, queue[2], next)

	for _, s := range queue {
		skip[s.ID()] = struct{}{}
	}
	_, ok = p.NextPending(queue, skip)
	require.False(t, ok)
}

func TestValidateDetectsGapsAndOverlaps(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 20, BaseWidth: 10}, nil)
	good := p.Initialize(nil)
	require.NoError(t, p.Validate(good))

	gap := append([]crawler.SearchShard(nil), good...)
	gap[0].SizeMax = 9
	require.ErrorContains(t, p.Validate(gap), "gap")

	overlap := append([]crawler.SearchShard(nil), good...)
	overlap[1].SizeMin = 5
	require.ErrorContains(t, p.Validate(overlap), "overlap")

	missingFork := good[:2]
	require.ErrorContains(t, p.Validate(missingFork), "no shards")

	short := append([]crawler.SearchShard(nil), good...)
	short[1].SizeMax = 19
	require.ErrorContains(t, p.Validate(short), "covers up to")
}

func TestRandomSplitsPreservePartition(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	p := NewPlanner(Config{MaxSize: 4096, BaseWidth: 512}, nil)
	queue := p.Initialize(nil)

	for step := 0; step < 500; step++ {
		next, ok := p.NextPending(queue, nil)
		if !ok {
			break
		}
		total := rng.Intn(2 * ResultCap)
		var (
			outcome Outcome
			err     error
		)
		before := len(queue)
		queue, outcome, err = p.RecordResult(queue, next, total)
		require.NoError(t, err)
		require.NoError(t, p.Validate(queue), "partition broken at step %d", step)
		if total >= ResultCap && next.Splittable() {
			require.Equal(t, OutcomeSplit, outcome)
			require.Len(t, queue, before+1)
		} else {
			require.NotEqual(t, OutcomeSplit, outcome)
			require.Len(t, queue, before)
		}
	}
}

func TestResetKeepsRefinedPartition(t *testing.T) {
	t.Parallel()

	p := NewPlanner(Config{MaxSize: 100, BaseWidth: 100}, nil)
	queue := p.Initialize(nil)
	queue, _, err := p.RecordResult(queue, queue[0], ResultCap)
	require.NoError(t, err)
	for len(queue) > 0 {
		next, ok := p.NextPending(queue, nil)
		if !ok {
			break
		}
		queue, _, err = p.RecordResult(queue, next, 1)
		require.NoError(t, err)
	}
	require.True(t, Exhausted(queue))
	require.Len(t, queue, 3)

	queue = Reset(queue)
	require.False(t, Exhausted(queue))
	require.Equal(t, Stats{Pending: 3}, Summarize(queue))
	require.NoError(t, p.Validate(queue))
}
