package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
)

// TaskStore is the durable record of task state.
//
// Implementations must make Claim an atomic pending → processing
// transition, must never lower progress in UpdateProgress, and must only
// Finalize tasks that are processing. Together these keep terminal states
// immutable and progress monotonic regardless of caller behavior.
type TaskStore interface {
	// Create inserts a pending task. When t.DedupeKey is set and another
	// pending, processing or completed task has the same key, it returns a
	// *domain.ConflictError naming that task and stores nothing.
	Create(ctx context.Context, t *domain.Task) error

	// Get returns the task or store.ErrTaskNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// FindActiveByDedupeKey returns the non-failed task holding key, or
	// store.ErrTaskNotFound.
	FindActiveByDedupeKey(ctx context.Context, key string) (*domain.Task, error)

	// Claim moves a pending task to processing. It reports false when the
	// task is not pending.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)

	// UpdateProgress records a checkpoint on a processing task. Progress is
	// raised to max(current, progress). Returns store.ErrNotProcessing when
	// the task is not processing.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error

	// Finalize writes a terminal outcome on a processing task and appends
	// the matching progress log entry in the same unit of work. Returns
	// store.ErrNotProcessing when the task is not processing.
	Finalize(ctx context.Context, id uuid.UUID, outcome domain.TaskOutcome) error

	// MarkDispatched records that a pending task was handed to the
	// dispatcher again. It is a no-op for tasks that are no longer pending.
	MarkDispatched(ctx context.Context, id uuid.UUID) error

	// ListByStatus returns tasks in status older than olderThan. Processing
	// tasks age from their start, pending tasks from their last dispatch
	// (creation or MarkDispatched). Zero returns all.
	ListByStatus(ctx context.Context, status domain.TaskStatus, olderThan time.Duration) ([]*domain.Task, error)
}

// ProgressLog is the append-only diagnostic timeline of each task.
type ProgressLog interface {
	AppendProgress(ctx context.Context, entry *domain.ProgressEntry) error
	ListProgress(ctx context.Context, taskID uuid.UUID) ([]domain.ProgressEntry, error)
}

// ResumeStore holds canonical documents that customization tasks start from.
type ResumeStore interface {
	SaveResume(ctx context.Context, record *domain.ResumeRecord) error
	GetResume(ctx context.Context, id uuid.UUID) (*domain.ResumeRecord, error)

	// DeleteResume removes a record. Deleting a missing record is not an error.
	DeleteResume(ctx context.Context, id uuid.UUID) error
}

// BlobStore returns uploaded document bytes by reference.
type BlobStore interface {
	Open(ctx context.Context, ref string) ([]byte, error)
}
