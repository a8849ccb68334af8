package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/platform/logger"
	"github.com/phrazzld/tailor-api/internal/store"
)

const (
	activeDedupeIndex  = "tasks_active_dedupe_key"
	progressTaskFKName = "task_progress_log_task_id_fkey"
)

const taskColumns = `id, user_id, task_type, status, progress, status_message, input_data,
	result_data, error_message, dedupe_key, created_at, updated_at, started_at, completed_at`

// TaskStore implements task.TaskStore and task.ProgressLog on PostgreSQL.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a TaskStore. db may be a *sql.DB or a *sql.Tx; with
// a *sql.Tx every operation joins that transaction.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// Create implements task.TaskStore.
func (s *TaskStore) Create(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, user_id, task_type, status, progress, status_message,
			input_data, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		string(t.Type),
		string(t.Status),
		t.Progress,
		t.StatusMessage,
		string(t.Input),
		nullString(t.DedupeKey),
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	if IsUniqueViolation(err) && constraintOf(err) == activeDedupeIndex {
		existing, findErr := s.FindActiveByDedupeKey(ctx, t.DedupeKey)
		if findErr != nil {
			// The holder failed between the insert and the lookup.
			return fmt.Errorf("%w: dedupe key %s: %v", store.ErrDuplicate, t.DedupeKey, findErr)
		}
		return &domain.ConflictError{ExistingTaskID: existing.ID, DedupeKey: t.DedupeKey}
	}

	logger.FromContext(ctx).ErrorContext(ctx, "failed to create task",
		"task_id", t.ID,
		"task_type", t.Type,
		"error", err)
	return fmt.Errorf("failed to create task: %w", MapError(err))
}

// Get implements task.TaskStore.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// FindActiveByDedupeKey implements task.TaskStore.
func (s *TaskStore) FindActiveByDedupeKey(ctx context.Context, key string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE dedupe_key = $1 AND status <> 'failed' LIMIT 1`, key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task by dedupe key: %w", MapError(err))
	}
	return t, nil
}

// Claim implements task.TaskStore. The conditional update is the claim:
// of several concurrent callers exactly one sees a row affected.
func (s *TaskStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'processing', status_message = 'Started', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		if !store.IsNotFoundError(err) {
			return false, err
		}
		if err := s.mustExist(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// UpdateProgress implements task.TaskStore.
func (s *TaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error {
	if progress < domain.MinProgress || progress > domain.MaxProgress {
		return domain.ErrInvalidProgress
	}

	query := `
		UPDATE tasks
		SET progress = GREATEST(progress, $2), status_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := s.db.ExecContext(ctx, query, id, progress, message)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", MapError(err))
	}
	return s.processingRowAffected(ctx, result, id)
}

// Finalize implements task.TaskStore. The terminal update and its log
// entry commit together.
func (s *TaskStore) Finalize(ctx context.Context, id uuid.UUID, outcome domain.TaskOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(ctx context.Context, q store.DBTX) error {
		query := `
			UPDATE tasks
			SET status = $2,
				progress = GREATEST(progress, $3),
				status_message = $4,
				result_data = $5,
				error_message = $6,
				completed_at = NOW(),
				updated_at = NOW()
			WHERE id = $1 AND status = 'processing'
			RETURNING progress
		`

		var progress int
		err := q.QueryRowContext(ctx, query,
			id,
			string(outcome.Status),
			outcome.FinalProgress(domain.MinProgress),
			outcome.Message,
			nullJSON(outcome.Result),
			nullString(outcome.ErrorMessage),
		).Scan(&progress)
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.mustExistIn(ctx, q, id); err != nil {
				return err
			}
			return store.ErrNotProcessing
		}
		if err != nil {
			return fmt.Errorf("failed to finalize task: %w", MapError(err))
		}

		entry := &domain.ProgressEntry{
			TaskID:   id,
			Progress: progress,
			Message:  outcome.Message,
			Metadata: outcome.Metadata,
		}
		return appendProgress(ctx, q, entry)
	})
}

// ListByStatus implements task.TaskStore.
func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus, olderThan time.Duration) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1`
	args := []any{string(status)}
	if olderThan > 0 {
		query += ` AND COALESCE(started_at, updated_at) < $2`
		args = append(args, time.Now().UTC().Add(-olderThan))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// MarkDispatched implements task.TaskStore.
func (s *TaskStore) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE tasks SET updated_at = NOW() WHERE id = $1 AND status = 'pending'`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark task dispatched: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		if !store.IsNotFoundError(err) {
			return err
		}
		return s.mustExist(ctx, id)
	}
	return nil
}

// AppendProgress implements task.ProgressLog.
func (s *TaskStore) AppendProgress(ctx context.Context, entry *domain.ProgressEntry) error {
	return appendProgress(ctx, s.db, entry)
}

// ListProgress implements task.ProgressLog.
func (s *TaskStore) ListProgress(ctx context.Context, taskID uuid.UUID) ([]domain.ProgressEntry, error) {
	query := `
		SELECT id, task_id, progress, message, metadata, created_at
		FROM task_progress_log
		WHERE task_id = $1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress log: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	entries := []domain.ProgressEntry{}
	for rows.Next() {
		var (
			e        domain.ProgressEntry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Progress, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode progress metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress rows: %w", err)
	}

	if len(entries) == 0 {
		if err := s.mustExist(ctx, taskID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func appendProgress(ctx context.Context, q store.DBTX, entry *domain.ProgressEntry) error {
	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO task_progress_log (task_id, progress, message, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err = q.QueryRowContext(ctx, query, entry.TaskID, entry.Progress, entry.Message, metadata).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if constraintOf(err) == progressTaskFKName {
			return store.ErrTaskNotFound
		}
		return fmt.Errorf("failed to append progress entry: %w", MapError(err))
	}
	return nil
}

// withTx runs fn in a new transaction, or directly when the store already
// wraps one.
func (s *TaskStore) withTx(ctx context.Context, fn func(ctx context.Context, q store.DBTX) error) error {
	beginner, ok := s.db.(store.TxBeginner)
	if !ok {
		return fn(ctx, s.db)
	}
	return store.RunInTransaction(ctx, beginner, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, tx)
	})
}

// processingRowAffected turns an update that matched no processing row
// into store.ErrNotProcessing or store.ErrTaskNotFound.
func (s *TaskStore) processingRowAffected(ctx context.Context, result sql.Result, id uuid.UUID) error {
	err := CheckRowsAffected(result, "task")
	if err == nil {
		return nil
	}
	if !store.IsNotFoundError(err) {
		return err
	}
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	return store.ErrNotProcessing
}

func (s *TaskStore) mustExist(ctx context.Context, id uuid.UUID) error {
	return s.mustExistIn(ctx, s.db, id)
}

func (s *TaskStore) mustExistIn(ctx context.Context, q store.DBTX, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check task existence: %w", MapError(err))
	}
	if !exists {
		return store.ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t           domain.Task
		userID      uuid.NullUUID
		taskType    string
		status      string
		input       []byte
		result      []byte
		errorMsg    sql.NullString
		dedupeKey   sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&t.ID,
		&userID,
		&taskType,
		&status,
		&t.Progress,
		&t.StatusMessage,
		&input,
		&result,
		&errorMsg,
		&dedupeKey,
		&t.CreatedAt,
		&t.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.Input = json.RawMessage(input)
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.ErrorMessage = errorMsg.String
	t.DedupeKey = dedupeKey.String
	if userID.Valid {
		id := userID.UUID
		t.UserID = &id
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON passes JSON as text so the driver lets the server cast it to jsonb.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode progress metadata: %w", err)
	}
	return string(data), nil
}
