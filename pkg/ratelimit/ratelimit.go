// Package ratelimit provides a per-key token bucket used to bound outbound
// request rates against third parties.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PerKey hands out one token bucket per key (typically a hostname). Buckets
// are created on first use and live for the process lifetime; the key space
// for a personal stream is small enough that eviction is not worth its
// complexity.
type PerKey struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewPerKey creates a limiter set with the given refill rate and burst
// capacity per key.
func NewPerKey(limit rate.Limit, burst int) *PerKey {
	return &PerKey{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until the bucket for key has a token or ctx is done.
func (p *PerKey) Wait(ctx context.Context, key string) error {
	return p.limiter(key).Wait(ctx)
}

// Allow reports whether a token is available for key without blocking.
func (p *PerKey) Allow(key string) bool {
	return p.limiter(key).Allow()
}

func (p *PerKey) limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	return l
}
