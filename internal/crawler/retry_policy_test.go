package crawler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingPauser struct {
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, delay time.Duration) {
	p.delays = append(p.delays, delay)
}

func fastPolicy(attempts int) *ExponentialRetryPolicy {
	return NewExponentialRetryPolicy(RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	})
}

func TestRetryRecoversFromRateLimit(t *testing.T) {
	t.Parallel()

	pauser := &recordingPauser{}
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), pauser, func(context.Context) error {
		calls++
		if calls < 3 {
			return &HostError{Status: http.StatusTooManyRequests}
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, pauser.delays, 2)
}

func TestRetryExhaustionIsRetryable(t *testing.T) {
	t.Parallel()

	pauser := &recordingPauser{}
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), pauser, func(context.Context) error {
		calls++
		return &HostError{Status: http.StatusForbidden, Message: "secondary rate limit"}
	})

	require.Error(t, err)
	require.ErrorIs(t, err, ErrRetryable)
	require.False(t, IsFatal(err))
	require.Equal(t, 4, calls)
	require.Len(t, pauser.delays, 3)
}

func TestRetryDoesNotRetryFatal(t *testing.T) {
	t.Parallel()

	pauser := &recordingPauser{}
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), pauser, func(context.Context) error {
		calls++
		return &HostError{Status: http.StatusUnauthorized, Message: "Bad credentials"}
	})

	require.True(t, IsFatal(err))
	require.Equal(t, 1, calls)
	require.Empty(t, pauser.delays)
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	pauser := &recordingPauser{}
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), pauser, func(context.Context) error {
		calls++
		if calls == 1 {
			return &HostError{Status: http.StatusTooManyRequests, RetryAfter: 30 * time.Second}
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, []time.Duration{30 * time.Second}, pauser.delays)
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastPolicy(5), &recordingPauser{}, func(context.Context) error {
		return &HostError{Status: http.StatusBadGateway}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestHostErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		retryable bool
		fatal     bool
		notFound  bool
	}{
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusForbidden, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
		{status: http.StatusUnauthorized, fatal: true},
		{status: http.StatusUnprocessableEntity, fatal: true},
		{status: http.StatusNotFound, notFound: true},
	}
	for _, tt := range tests {
		err := error(&HostError{Status: tt.status})
		require.Equal(t, tt.retryable, errors.Is(err, ErrRetryable), "status %d retryable", tt.status)
		require.Equal(t, tt.fatal, errors.Is(err, ErrFatal), "status %d fatal", tt.status)
		require.Equal(t, tt.notFound, errors.Is(err, ErrNotFound), "status %d not found", tt.status)
	}
}

func TestTimerPauserHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	TimerPauser{}.Pause(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}

func TestShardHelpers(t *testing.T) {
	t.Parallel()

	s := SearchShard{SizeMin: 100, SizeMax: 101, Fork: ForkOnly}
	require.Equal(t, "only:100-101", s.ID())
	require.False(t, s.Splittable())
	require.Equal(t, "fork:only", s.Fork.Qualifier())
	require.Equal(t, "fork:false", ForkExcluded.Qualifier())
	require.Equal(t, "o/r/a/b.cs@abc", DedupKey("o/r", "a/b.cs", "abc"))
}
