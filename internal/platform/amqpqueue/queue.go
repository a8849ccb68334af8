// Package amqpqueue is a task dispatcher backed by a durable RabbitMQ queue.
package amqpqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/task"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	contentType    = "text/plain"
	publishTimeout = 5 * time.Second
	prefetchCount  = 8
)

// Queue implements task.Dispatcher over AMQP 0-9-1. Messages carry the task
// ID as their body and are acknowledged when Dequeue hands them out; a task
// lost after that point is recovered by the runner's sweep.
type Queue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      amqp.Queue
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New dials url, declares the durable queue and registers a consumer.
func New(url, name string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	logger = logger.With("component", "amqp_queue", "queue", q.Name)
	logger.Info("connected to RabbitMQ and declared queue")

	return &Queue{
		conn:       conn,
		channel:    ch,
		queue:      q,
		deliveries: deliveries,
		logger:     logger,
	}, nil
}

// Enqueue implements task.Dispatcher.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return task.ErrQueueClosed
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := q.channel.PublishWithContext(
		ctx,
		"",           // default exchange
		q.queue.Name, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    id.String(),
			Timestamp:    time.Now(),
			Body:         []byte(id.String()),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", id, err)
	}
	return nil
}

// Dequeue implements task.Dispatcher.
func (q *Queue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		select {
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return uuid.Nil, task.ErrQueueClosed
			}

			id, err := uuid.ParseBytes(d.Body)
			if err != nil {
				q.logger.WarnContext(ctx, "dropping malformed task id", "body", string(d.Body), "error", err)
				_ = d.Reject(false)
				continue
			}
			if err := d.Ack(false); err != nil {
				return uuid.Nil, fmt.Errorf("failed to ack task %s: %w", id, err)
			}
			return id, nil
		}
	}
}

// Close implements task.Dispatcher. Pending deliveries stay on the broker.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	chErr := q.channel.Close()
	connErr := q.conn.Close()
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	return errors.Join(chErr, connErr)
}
