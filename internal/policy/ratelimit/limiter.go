// Package ratelimit paces outbound calls with one token bucket per key.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-key rate limits. Keys are retailer hosts or fixed
// names such as "llm".
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]rate.Limit
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive rate disables pacing.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// PerKeyRPS overrides DefaultRPS for individual keys.
	PerKeyRPS map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.PerKeyRPS))
	for k, v := range cfg.PerKeyRPS {
		overrides[k] = toLimit(v)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until a token is available for key, respecting the context.
// Full URLs are reduced to their host.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	key = normalizeKey(key)

	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		r, ok := l.overrides[key]
		if !ok {
			r = l.defaultRate
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func normalizeKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if u, err := url.Parse(key); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return key
}
