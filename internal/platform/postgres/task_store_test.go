//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/config"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to DATABASE_URL and applies migrations, or skips.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test - DATABASE_URL environment variable required")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := Open(ctx, config.DatabaseConfig{URL: dbURL, MaxOpenConns: 8}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = Migrate(ctx, db, logger)
	require.NoError(t, err)
	return db
}

// createTask inserts a pending task and removes it when the test ends.
func createTask(t *testing.T, db *sql.DB, s *TaskStore, dedupeKey string) *domain.Task {
	t.Helper()

	task, err := domain.NewTask(domain.TaskTypeOptimize, nil, json.RawMessage(`{"target_job_id":"job"}`))
	require.NoError(t, err)
	task.DedupeKey = dedupeKey
	require.NoError(t, s.Create(context.Background(), task))

	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM resumes WHERE source_task_id = $1`, task.ID)
		_, _ = db.ExecContext(context.Background(), `DELETE FROM tasks WHERE id = $1`, task.ID)
	})
	return task
}

func TestTaskStore_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewTaskStore(db)

	task := createTask(t, db, s, "")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.JSONEq(t, string(task.Input), string(got.Input))
	assert.Nil(t, got.StartedAt)

	assert.ErrorIs(t, s.UpdateProgress(ctx, task.ID, 10, "early"), store.ErrNotProcessing)

	claimed, err := s.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.UpdateProgress(ctx, task.ID, 70, "AI done"))
	require.NoError(t, s.UpdateProgress(ctx, task.ID, 30, "stale"))
	got, err = s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.Progress)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, s.AppendProgress(ctx, &domain.ProgressEntry{
		TaskID: task.ID, Progress: 70, Message: "Retrying", Metadata: map[string]any{"attempt": 1},
	}))

	result := json.RawMessage(`{"profile":{"name":"Ada Lovelace"}}`)
	require.NoError(t, s.Finalize(ctx, task.ID, domain.CompletedOutcome(result, "Completed", map[string]any{"attempts": 1})))

	got, err = s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, string(result), string(got.Result))
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	err = s.Finalize(ctx, task.ID, domain.FailedOutcome("late", "Failed", nil))
	assert.ErrorIs(t, err, store.ErrNotProcessing)

	entries, err := s.ListProgress(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(1), entries[0].Metadata["attempt"])
	assert.Equal(t, 100, entries[1].Progress)
}

func TestTaskStore_FailedKeepsProgress(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewTaskStore(db)
	task := createTask(t, db, s, "")

	_, err := s.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, task.ID, 30, "Text extracted"))
	require.NoError(t, s.Finalize(ctx, task.ID, domain.FailedOutcome("TimeoutError: deadline", "Failed", nil)))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, 30, got.Progress)
	assert.Empty(t, got.Result)
	assert.Equal(t, "TimeoutError: deadline", got.ErrorMessage)
}

func TestTaskStore_ConcurrentClaim(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewTaskStore(db)
	task := createTask(t, db, s, "")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, task.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestTaskStore_DedupeConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewTaskStore(db)
	key := "optimize:" + uuid.NewString() + ":job-1"

	first := createTask(t, db, s, key)

	dup, err := domain.NewTask(domain.TaskTypeOptimize, nil, json.RawMessage(`{}`))
	require.NoError(t, err)
	dup.DedupeKey = key

	err = s.Create(ctx, dup)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ExistingTaskID)

	_, err = s.Claim(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, first.ID, domain.FailedOutcome("boom", "Failed", nil)))

	require.NoError(t, s.Create(ctx, dup), "failed tasks free their key")
	t.Cleanup(func() { _, _ = db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, dup.ID) })
}

func TestTaskStore_MarkDispatched(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewTaskStore(db)
	task := createTask(t, db, s, "")

	_, err := db.ExecContext(ctx, `UPDATE tasks SET updated_at = NOW() - INTERVAL '10 minutes' WHERE id = $1`, task.ID)
	require.NoError(t, err)

	overdue, err := s.ListByStatus(ctx, domain.TaskStatusPending, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, containsTask(overdue, task.ID))

	require.NoError(t, s.MarkDispatched(ctx, task.ID))
	overdue, err = s.ListByStatus(ctx, domain.TaskStatusPending, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, containsTask(overdue, task.ID))

	_, err = s.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.NoError(t, s.MarkDispatched(ctx, task.ID))
	assert.ErrorIs(t, s.MarkDispatched(ctx, uuid.New()), store.ErrNotFound)
}

func containsTask(tasks []*domain.Task, id uuid.UUID) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func TestTaskStore_NotFound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewTaskStore(db)
	missing := uuid.New()

	_, err := s.Get(ctx, missing)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Claim(ctx, missing)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.UpdateProgress(ctx, missing, 10, "x"), store.ErrNotFound)
	assert.ErrorIs(t, s.Finalize(ctx, missing, domain.FailedOutcome("x", "x", nil)), store.ErrNotFound)
	assert.ErrorIs(t, s.AppendProgress(ctx, &domain.ProgressEntry{TaskID: missing}), store.ErrNotFound)

	_, err = s.ListProgress(ctx, missing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTaskStore_WithinTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	s := NewTaskStore(tx)
	task, err := domain.NewTask(domain.TaskTypeParse, nil, json.RawMessage(`{"text":"Ada"}`))
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, task))

	_, err = s.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, task.ID, domain.CompletedOutcome(json.RawMessage(`{}`), "Completed", nil)))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)

	_, err = NewTaskStore(db).Get(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "uncommitted rows stay inside the transaction")
}

func TestResumeStore_Integration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tasks := NewTaskStore(db)
	resumes := NewResumeStore(db)

	source := createTask(t, db, tasks, "")
	doc := domain.NewResumeDocument()
	doc.Profile.Name = "Ada Lovelace"

	record := &domain.ResumeRecord{ID: source.ID, Document: doc, SourceTaskID: &source.ID}
	require.NoError(t, resumes.SaveResume(ctx, record))
	assert.False(t, record.CreatedAt.IsZero())

	doc.Profile.Name = "Augusta Ada King"
	require.NoError(t, resumes.SaveResume(ctx, record), "saving again replaces the document")

	got, err := resumes.GetResume(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, "Augusta Ada King", got.Document.Profile.Name)
	require.NotNil(t, got.SourceTaskID)
	assert.Equal(t, source.ID, *got.SourceTaskID)
	assert.NotNil(t, got.Document.WorkExperience)

	_, err = resumes.GetResume(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
