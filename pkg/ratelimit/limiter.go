// Package ratelimit gates connector fetches per external API account so the
// engine never trips provider throttling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
)

// Config holds token-bucket settings for one account key.
type Config struct {
	MaxRequests    int           // Requests per window
	Window         time.Duration // Refill window
	Burst          int           // Bucket capacity
	MinInterval    time.Duration // Floor between consecutive requests
	AcquireTimeout time.Duration // Max wait for a slot before failing
}

// Stats is a read-only snapshot for observability.
type Stats struct {
	Key             string  `json:"key"`
	Waiting         int     `json:"waiting"`
	TokensRemaining float64 `json:"tokens_remaining"`
	RequestsGranted int64   `json:"requests_granted"`
}

// Limiter is a token bucket with an additional minimum inter-request
// interval. Acquire suspends the caller until a token is available or the
// acquire timeout elapses.
type Limiter struct {
	key     string
	bucket  *rate.Limiter
	cfg     Config
	mu      sync.Mutex
	lastAt  time.Time
	waiting int
	granted int64
}

// NewLimiter creates a limiter for one account key.
func NewLimiter(key string, cfg Config) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests < 1 {
		cfg.MaxRequests = 1
	}
	refill := rate.Limit(float64(cfg.MaxRequests) / cfg.Window.Seconds())

	return &Limiter{
		key:    key,
		bucket: rate.NewLimiter(refill, cfg.Burst),
		cfg:    cfg,
	}
}

// Acquire blocks until a slot is granted. It fails with a retryable
// RateLimitError when the configured timeout (or the caller's context)
// expires first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.AcquireTimeout)
		defer cancel()
	}

	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
	}()

	if err := l.bucket.Wait(ctx); err != nil {
		return &apperrors.RateLimitError{Key: l.key}
	}

	// Enforce the inter-request floor on top of the bucket.
	for {
		l.mu.Lock()
		wait := l.cfg.MinInterval - time.Since(l.lastAt)
		if wait <= 0 {
			l.lastAt = time.Now()
			l.granted++
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return &apperrors.RateLimitError{Key: l.key}
		}
	}
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Key:             l.key,
		Waiting:         l.waiting,
		TokensRemaining: l.bucket.Tokens(),
		RequestsGranted: l.granted,
	}
}

// Registry hands out one limiter per account key. Constructed explicitly and
// passed by reference; there is no process-global instance.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	defaults Config
}

// NewRegistry creates a registry with default per-account settings.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
	}
}

// For returns the limiter for an account key, creating it on first use.
func (r *Registry) For(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := NewLimiter(key, r.defaults)
	r.limiters[key] = l
	return l
}

// StatsAll returns snapshots for every active limiter.
func (r *Registry) StatsAll() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.limiters))
	for _, l := range r.limiters {
		stats = append(stats, l.Stats())
	}
	return stats
}
