package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
)

// RunnerConfig holds configuration for the worker pool
type RunnerConfig struct {
	// WorkerCount determines how many tasks run concurrently
	WorkerCount int

	// SweepInterval defines how often to look for stale tasks.
	// If zero, defaults to 30 seconds
	SweepInterval time.Duration

	// StaleAfter is how long a task may stay processing before it is
	// considered interrupted and failed. It should exceed the task deadline.
	StaleAfter time.Duration

	// PendingAfter is how long a task may stay pending after its last
	// dispatch before the sweep dispatches it again. If zero, defaults to
	// StaleAfter, or SweepInterval when StaleAfter is unset
	PendingAfter time.Duration
}

// Executor runs a single task to a terminal state.
type Executor interface {
	Run(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	FailInterrupted(ctx context.Context, id uuid.UUID, reason string) error
	Redispatch(ctx context.Context, id uuid.UUID) error
}

// Runner manages background task processing
type Runner struct {
	store      TaskStore
	dispatcher Dispatcher
	executor   Executor
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	config     RunnerConfig
	logger     *slog.Logger
	errHandler func(id uuid.UUID, err error)
}

// NewRunner creates a new Runner
func NewRunner(store TaskStore, dispatcher Dispatcher, executor Executor, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.PendingAfter <= 0 {
		config.PendingAfter = config.StaleAfter
	}
	if config.PendingAfter <= 0 {
		config.PendingAfter = config.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runner")

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		store:      store,
		dispatcher: dispatcher,
		executor:   executor,
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		logger:     logger,
		errHandler: func(id uuid.UUID, err error) {
			logger.Error("task execution failed",
				"task_id", id,
				"error", err)
		},
	}
}

// SetErrorHandler allows setting a custom error handler function
func (r *Runner) SetErrorHandler(handler func(id uuid.UUID, err error)) {
	r.errHandler = handler
}

// Start recovers unfinished tasks, then starts the workers and the sweep.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.sweeper()

	r.logger.InfoContext(ctx, "runner started", "worker_count", r.config.WorkerCount)
	return nil
}

// Stop signals workers to exit and waits for in-flight tasks. Runs in
// progress are not cancelled; each is bounded by its own deadline.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
	r.logger.Info("runner stopped")
}

// Recover dispatches every pending task and fails every processing task
// left over from a previous process.
func (r *Runner) Recover(ctx context.Context) error {
	pending, err := r.store.ListByStatus(ctx, domain.TaskStatusPending, 0)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	processing, err := r.store.ListByStatus(ctx, domain.TaskStatusProcessing, r.config.StaleAfter)
	if err != nil {
		return fmt.Errorf("failed to get processing tasks: %w", err)
	}

	r.logger.InfoContext(ctx, "recovering unfinished tasks",
		"pending_count", len(pending),
		"processing_count", len(processing))

	r.redispatch(ctx, pending)
	r.failStale(ctx, processing)
	return nil
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)

	for {
		taskID, err := r.dispatcher.Dequeue(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				r.logger.Debug("stopping worker", "worker_id", id)
				return
			}
			r.logger.Error("failed to dequeue task", "worker_id", id, "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		r.process(taskID, id)
	}
}

func (r *Runner) process(id uuid.UUID, workerID int) {
	// Runs are independent of the runner's lifetime so shutdown never
	// leaves a task half-finalized.
	t, err := r.executor.Run(context.Background(), id)
	if err != nil {
		r.errHandler(id, err)
		return
	}

	r.logger.Debug("task processed",
		"task_id", id,
		"worker_id", workerID,
		"status", t.Status)
}

// sweeper periodically re-dispatches pending tasks the queue lost and
// fails processing tasks whose run is gone.
func (r *Runner) sweeper() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one pass of the stale task check.
func (r *Runner) Sweep(ctx context.Context) {
	if r.config.StaleAfter > 0 {
		stale, err := r.store.ListByStatus(ctx, domain.TaskStatusProcessing, r.config.StaleAfter)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to check for stale tasks", "error", err)
		} else if len(stale) > 0 {
			r.logger.InfoContext(ctx, "found stale tasks", "count", len(stale))
			r.failStale(ctx, stale)
		}
	}

	pending, err := r.store.ListByStatus(ctx, domain.TaskStatusPending, r.config.PendingAfter)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to check for pending tasks", "error", err)
		return
	}
	r.redispatch(ctx, pending)
}

func (r *Runner) redispatch(ctx context.Context, tasks []*domain.Task) {
	for _, t := range tasks {
		if err := r.executor.Redispatch(ctx, t.ID); err != nil {
			r.logger.ErrorContext(ctx, "failed to requeue pending task",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
		}
	}
}

func (r *Runner) failStale(ctx context.Context, tasks []*domain.Task) {
	for _, t := range tasks {
		err := r.executor.FailInterrupted(ctx, t.ID, "no run finished the task within its deadline")
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to fail interrupted task",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
			continue
		}
		r.logger.WarnContext(ctx, "failed interrupted task",
			"task_id", t.ID,
			"task_type", t.Type,
			"progress", t.Progress)
	}
}
