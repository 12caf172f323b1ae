// Package ratelimit paces outbound requests with per-host token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out tokens per key, creating a bucket on first use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS caps sustained requests per second per key. Zero or
	// negative disables pacing entirely.
	RPS   float64
	Burst int
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

// Wait blocks until a token is available for key, respecting the
// context deadline.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// WaitURL keys the bucket by the hostname of rawURL. Unparseable URLs
// share one bucket so a malformed feed still gets paced.
func (l *Limiter) WaitURL(ctx context.Context, rawURL string) error {
	key := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		key = u.Hostname()
	}
	return l.Wait(ctx, key)
}
