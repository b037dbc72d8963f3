package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SignalQueue carries poll signals from webhook intake and the periodic
// scanner to the poll workers. Pushing an account already queued is a
// no-op, so a webhook burst collapses into one poll.
type SignalQueue interface {
	Push(ctx context.Context, accountID uuid.UUID) error
	// Pop blocks until a signal arrives or the context ends.
	Pop(ctx context.Context) (uuid.UUID, error)
}

// MemorySignalQueue is the single-process queue.
type MemorySignalQueue struct {
	mu     sync.Mutex
	queued map[uuid.UUID]struct{}
	ch     chan uuid.UUID
}

// NewMemorySignalQueue creates a bounded in-memory signal queue.
func NewMemorySignalQueue(size int) *MemorySignalQueue {
	if size <= 0 {
		size = 256
	}
	return &MemorySignalQueue{
		queued: make(map[uuid.UUID]struct{}),
		ch:     make(chan uuid.UUID, size),
	}
}

func (q *MemorySignalQueue) Push(ctx context.Context, accountID uuid.UUID) error {
	q.mu.Lock()
	if _, ok := q.queued[accountID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.queued[accountID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- accountID:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.queued, accountID)
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *MemorySignalQueue) Pop(ctx context.Context) (uuid.UUID, error) {
	select {
	case accountID := <-q.ch:
		q.mu.Lock()
		delete(q.queued, accountID)
		q.mu.Unlock()
		return accountID, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

const (
	redisQueueKey  = "tminus:sync:signals"
	redisQueuedKey = "tminus:sync:queued"
)

// RedisSignalQueue shares the poll queue across worker processes. A set
// alongside the list provides the dedupe.
type RedisSignalQueue struct {
	client redis.UniversalClient
}

// NewRedisSignalQueue creates a redis-backed signal queue.
func NewRedisSignalQueue(client redis.UniversalClient) *RedisSignalQueue {
	return &RedisSignalQueue{client: client}
}

func (q *RedisSignalQueue) Push(ctx context.Context, accountID uuid.UUID) error {
	added, err := q.client.SAdd(ctx, redisQueuedKey, accountID.String()).Result()
	if err != nil {
		return fmt.Errorf("marking signal queued: %w", err)
	}
	if added == 0 {
		return nil
	}
	if err := q.client.LPush(ctx, redisQueueKey, accountID.String()).Err(); err != nil {
		return fmt.Errorf("pushing signal: %w", err)
	}
	return nil
}

func (q *RedisSignalQueue) Pop(ctx context.Context) (uuid.UUID, error) {
	for {
		values, err := q.client.BRPop(ctx, time.Second, redisQueueKey).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("popping signal: %w", err)
		}
		raw := values[len(values)-1]
		_ = q.client.SRem(ctx, redisQueuedKey, raw).Err()
		accountID, err := uuid.Parse(raw)
		if err != nil {
			// Garbage in the queue; skip it.
			continue
		}
		return accountID, nil
	}
}
