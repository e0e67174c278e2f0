// Package ratelimit is a per-key token-bucket admission gate for
// outbound sends. It knows nothing about retries or HTTP; adapters map
// provider responses to dispatch outcomes themselves.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sizes every bucket created by one Limiter. Capacity is
// min(Burst, PerSecond*BucketWidth seconds), refilled continuously at
// PerSecond tokens/second from elapsed wall-clock time; idle buckets
// cost nothing.
type Config struct {
	PerSecond   float64
	Burst       int
	BucketWidth time.Duration
}

func (c Config) capacity() int {
	width := c.BucketWidth.Seconds()
	if width <= 0 {
		width = 1
	}
	cap := int(c.PerSecond * width)
	if c.Burst > 0 && c.Burst < cap {
		cap = c.Burst
	}
	if cap < 1 {
		cap = 1
	}
	return cap
}

// Limiter keys independent buckets; a stalled key never blocks another.
// Construct one per dispatcher and inject it, never share process-wide.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.capacity())
		l.buckets[key] = b
	}
	return b
}

// Do admits fn through the key's bucket, blocking in FIFO order until a
// token accrues, and reports how long admission waited. Composite
// limiting (global wrapping per-destination) is expressed by nesting Do
// calls; the waits sum.
func (l *Limiter) Do(ctx context.Context, key string, fn func() error) (time.Duration, error) {
	start := time.Now()
	if err := l.bucket(key).Wait(ctx); err != nil {
		return time.Since(start), err
	}
	waited := time.Since(start)
	return waited, fn()
}

// allow reports whether a token is immediately available without
// consuming queue position.
func (l *Limiter) allow(key string) bool {
	return l.bucket(key).Allow()
}
