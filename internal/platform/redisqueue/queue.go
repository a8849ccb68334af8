// Package redisqueue is a task dispatcher backed by a Redis list. Task IDs
// are pushed with LPUSH and consumed with BRPOP, so several processes can
// share one queue.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/task"
	"github.com/redis/go-redis/v9"
)

// DefaultPollTimeout bounds each BRPOP so Dequeue notices cancellation.
const DefaultPollTimeout = 2 * time.Second

// Queue implements task.Dispatcher on a Redis list.
type Queue struct {
	client      redis.UniversalClient
	key         string
	pollTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New connects to the Redis server at redisURL and verifies it with PING.
func New(ctx context.Context, redisURL, key string, logger *slog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewWithClient(client, key, DefaultPollTimeout, logger), nil
}

// NewWithClient wraps an existing client. The queue owns the client and
// closes it on Close.
func NewWithClient(client redis.UniversalClient, key string, pollTimeout time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Queue{
		client:      client,
		key:         key,
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "redis_queue", "queue", key),
	}
}

// Enqueue implements task.Dispatcher.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return task.ErrQueueClosed
	}

	if err := q.client.LPush(ctx, q.key, id.String()).Err(); err != nil {
		return fmt.Errorf("failed to push task %s: %w", id, err)
	}
	q.logger.DebugContext(ctx, "task enqueued", "task_id", id)
	return nil
}

// Dequeue implements task.Dispatcher.
func (q *Queue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		if q.isClosed() {
			return uuid.Nil, task.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}

		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			if q.isClosed() || errors.Is(err, redis.ErrClosed) {
				return uuid.Nil, task.ErrQueueClosed
			}
			return uuid.Nil, fmt.Errorf("failed to pop task: %w", err)
		}

		// BRPOP replies with [key, value].
		if len(res) != 2 {
			return uuid.Nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
		}
		id, err := uuid.Parse(res[1])
		if err != nil {
			q.logger.WarnContext(ctx, "dropping malformed task id", "value", res[1], "error", err)
			continue
		}
		return id, nil
	}
}

// Len reports the number of queued IDs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close implements task.Dispatcher.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
