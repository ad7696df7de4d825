// Package ratelimit implements token bucket pacing for the code host's API
// budgets and for clone operations.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/plugin-crawler/internal/metrics"
)

// BucketConfig describes one named budget.
type BucketConfig struct {
	// RPS is the sustained rate; zero or negative disables pacing.
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	Buckets map[string]BucketConfig
	Default BucketConfig
}

// Limiter manages one token bucket per named budget.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	buckets  map[string]BucketConfig
	fallback BucketConfig
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	buckets := make(map[string]BucketConfig, len(cfg.Buckets))
	for name, b := range cfg.Buckets {
		buckets[name] = b
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		buckets:  buckets,
		fallback: cfg.Default,
	}
}

// Wait blocks until a token is available for bucket, respecting the context.
func (l *Limiter) Wait(ctx context.Context, bucket string) error {
	limiter := l.limiterFor(bucket)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(bucket, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(bucket string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[bucket]; ok {
		return limiter
	}
	cfg, ok := l.buckets[bucket]
	if !ok {
		cfg = l.fallback
	}
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(r, burst)
	l.limiters[bucket] = limiter
	return limiter
}
