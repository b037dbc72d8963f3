// Package ratelimit throttles outbound provider calls per account. The
// bucket state lives in redis when a client is configured so the limit
// holds across processes; without redis (or when redis is down) a local
// in-memory bucket takes over.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Limiter is a per-account token bucket: `limit` tokens per second with a
// `burst` ceiling.
type Limiter struct {
	client redis.UniversalClient
	limit  int
	burst  int
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New builds a limiter. client may be nil for local-only operation.
func New(client redis.UniversalClient, limit, burst int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 10
	}
	if burst < limit {
		burst = limit
	}
	return &Limiter{
		client:  client,
		limit:   limit,
		burst:   burst,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// Wait blocks until a token is available for the account or the context
// expires. Context expiry surfaces as RATE_LIMITED so callers can tell a
// throttled call from a failed one.
func (l *Limiter) Wait(ctx context.Context, accountID string) error {
	for {
		allowed, retryAfter := l.allow(ctx, accountID)
		if allowed {
			return nil
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sharedDomain.WrapCoded(sharedDomain.CodeRateLimited, ctx.Err(),
				"rate limit wait for account %s", accountID)
		case <-timer.C:
		}
	}
}

// Allow reports whether a call may proceed right now, without blocking.
func (l *Limiter) Allow(ctx context.Context, accountID string) bool {
	allowed, _ := l.allow(ctx, accountID)
	return allowed
}

func (l *Limiter) allow(ctx context.Context, accountID string) (bool, time.Duration) {
	if l.client != nil {
		if allowed, retryAfter, err := l.allowRedis(ctx, accountID); err == nil {
			return allowed, retryAfter
		} else {
			l.logger.Warn("redis rate limiter unavailable, using local bucket", "error", err)
		}
	}
	return l.allowLocal(accountID)
}

// allowRedis counts calls in a fixed one-second window.
func (l *Limiter) allowRedis(ctx context.Context, accountID string) (bool, time.Duration, error) {
	now := time.Now()
	key := fmt.Sprintf("tminus:ratelimit:%s:%d", accountID, now.Unix())

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		// Two seconds covers clock skew between writers.
		if err := l.client.Expire(ctx, key, 2*time.Second).Err(); err != nil {
			return false, 0, err
		}
	}
	if count > int64(l.limit) {
		nextWindow := now.Truncate(time.Second).Add(time.Second)
		return false, time.Until(nextWindow), nil
	}
	return true, 0, nil
}

// allowLocal refills a classic token bucket.
func (l *Limiter) allowLocal(accountID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[accountID]
	if !ok {
		b = &bucket{tokens: float64(l.burst), last: now}
		l.buckets[accountID] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * float64(l.limit)
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	wait := time.Duration(deficit / float64(l.limit) * float64(time.Second))
	return false, wait
}
