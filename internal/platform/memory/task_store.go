// Package memory provides in-process implementations of the task,
// progress log and résumé stores. They honor the same contracts as the
// Postgres stores and back development runs without a database and the
// pipeline tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/store"
)

// TaskStore keeps tasks and their progress logs in maps guarded by one mutex.
type TaskStore struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]*domain.Task
	entries map[uuid.UUID][]domain.ProgressEntry
	nextID  int64
	now     func() time.Time
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:   make(map[uuid.UUID]*domain.Task),
		entries: make(map[uuid.UUID][]domain.ProgressEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create implements task.TaskStore.
func (s *TaskStore) Create(_ context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, t.ID)
	}

	if t.DedupeKey != "" {
		if existing := s.activeByKeyLocked(t.DedupeKey); existing != nil {
			return &domain.ConflictError{ExistingTaskID: existing.ID, DedupeKey: t.DedupeKey}
		}
	}

	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get implements task.TaskStore.
func (s *TaskStore) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// FindActiveByDedupeKey implements task.TaskStore.
func (s *TaskStore) FindActiveByDedupeKey(_ context.Context, key string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t := s.activeByKeyLocked(key); t != nil {
		return cloneTask(t), nil
	}
	return nil, store.ErrTaskNotFound
}

func (s *TaskStore) activeByKeyLocked(key string) *domain.Task {
	if key == "" {
		return nil
	}
	for _, t := range s.tasks {
		if t.DedupeKey == key && t.Status != domain.TaskStatusFailed {
			return t
		}
	}
	return nil
}

// Claim implements task.TaskStore.
func (s *TaskStore) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusPending {
		return false, nil
	}

	now := s.now()
	t.Status = domain.TaskStatusProcessing
	t.StatusMessage = "Started"
	t.StartedAt = &now
	t.UpdatedAt = now
	return true, nil
}

// UpdateProgress implements task.TaskStore.
func (s *TaskStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int, message string) error {
	if progress < domain.MinProgress || progress > domain.MaxProgress {
		return domain.ErrInvalidProgress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusProcessing {
		return store.ErrNotProcessing
	}

	if progress > t.Progress {
		t.Progress = progress
	}
	t.StatusMessage = message
	t.UpdatedAt = s.now()
	return nil
}

// Finalize implements task.TaskStore.
func (s *TaskStore) Finalize(_ context.Context, id uuid.UUID, outcome domain.TaskOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusProcessing {
		return store.ErrNotProcessing
	}

	now := s.now()
	t.Status = outcome.Status
	t.Progress = outcome.FinalProgress(t.Progress)
	t.StatusMessage = outcome.Message
	t.Result = append(json.RawMessage(nil), outcome.Result...)
	t.ErrorMessage = outcome.ErrorMessage
	t.CompletedAt = &now
	t.UpdatedAt = now

	s.appendLocked(&domain.ProgressEntry{
		TaskID:   id,
		Progress: t.Progress,
		Message:  outcome.Message,
		Metadata: outcome.Metadata,
	})
	return nil
}

// MarkDispatched implements task.TaskStore.
func (s *TaskStore) MarkDispatched(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status == domain.TaskStatusPending {
		t.UpdatedAt = s.now()
	}
	return nil
}

// ListByStatus implements task.TaskStore.
func (s *TaskStore) ListByStatus(_ context.Context, status domain.TaskStatus, olderThan time.Duration) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-olderThan)
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status != status {
			continue
		}
		since := t.CreatedAt
		switch {
		case t.StartedAt != nil:
			since = *t.StartedAt
		case t.UpdatedAt.After(since):
			since = t.UpdatedAt
		}
		if olderThan == 0 || since.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendProgress implements task.ProgressLog.
func (s *TaskStore) AppendProgress(_ context.Context, entry *domain.ProgressEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[entry.TaskID]; !ok {
		return store.ErrTaskNotFound
	}
	s.appendLocked(entry)
	return nil
}

// ListProgress implements task.ProgressLog.
func (s *TaskStore) ListProgress(_ context.Context, taskID uuid.UUID) ([]domain.ProgressEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, store.ErrTaskNotFound
	}
	stored := s.entries[taskID]
	out := make([]domain.ProgressEntry, len(stored))
	for i, e := range stored {
		e.Metadata = maps.Clone(e.Metadata)
		out[i] = e
	}
	return out, nil
}

// appendLocked stores a copy of entry; later changes to the caller's
// metadata map do not reach the log.
func (s *TaskStore) appendLocked(entry *domain.ProgressEntry) {
	s.nextID++
	entry.ID = s.nextID
	entry.CreatedAt = s.now()

	stored := *entry
	stored.Metadata = maps.Clone(entry.Metadata)
	s.entries[entry.TaskID] = append(s.entries[entry.TaskID], stored)
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Input = append(json.RawMessage(nil), t.Input...)
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.UserID != nil {
		id := *t.UserID
		c.UserID = &id
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
