package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Common errors returned by dispatchers
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// Dispatcher hands task IDs from the submitting side to workers. Delivery
// is at-least-once: a task may be dequeued more than once, and the
// orchestrator's claim makes the repeat a no-op.
type Dispatcher interface {
	// Enqueue publishes id. It must not block on a full buffer.
	Enqueue(ctx context.Context, id uuid.UUID) error

	// Dequeue blocks until an ID is available, ctx ends, or the
	// dispatcher is closed (ErrQueueClosed).
	Dequeue(ctx context.Context) (uuid.UUID, error)

	Close() error
}

// MemoryQueue is a buffered in-process Dispatcher.
type MemoryQueue struct {
	ids    chan uuid.UUID
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding at most size pending IDs.
func NewMemoryQueue(size int, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		ids:    make(chan uuid.UUID, size),
		done:   make(chan struct{}),
		logger: logger.With("component", "memory_queue"),
	}
}

// Enqueue implements Dispatcher.
func (q *MemoryQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ids <- id:
		q.logger.DebugContext(ctx, "task enqueued",
			"task_id", id,
			"queue_len", len(q.ids),
			"queue_cap", cap(q.ids))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.ids))
	}
}

// Dequeue implements Dispatcher.
func (q *MemoryQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	select {
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case <-q.done:
		return uuid.Nil, ErrQueueClosed
	case id := <-q.ids:
		return id, nil
	}
}

// Len reports the number of queued IDs.
func (q *MemoryQueue) Len() int {
	return len(q.ids)
}

// Close implements Dispatcher. IDs still buffered are discarded; they are
// recovered from the store on the next start.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
		q.logger.Info("task queue closed")
	}
	return nil
}
