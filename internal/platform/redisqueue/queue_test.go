package redisqueue

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ task.Dispatcher = (*Queue)(nil)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("Skipping integration test - REDIS_URL environment variable required")
	}

	key := "tailor:test:" + uuid.NewString()
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(context.Background()).Err())

	q := NewWithClient(client, key, 100*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		_ = q.client.Del(context.Background(), key).Err()
		_ = q.Close()
	})
	return q
}

func TestQueue_RoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got, "LPUSH + BRPOP is FIFO")

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_SkipsMalformedIDs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.client.LPush(ctx, q.key, "not-a-uuid").Err())
	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, id))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestNew_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "://nope", "tailor:tasks", nil)
	assert.Error(t, err)
}
