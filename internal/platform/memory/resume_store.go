package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/store"
)

// ResumeStore keeps résumé records as serialized documents so callers
// never share mutable state with the store.
type ResumeStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]storedResume
}

type storedResume struct {
	record   domain.ResumeRecord
	document []byte
}

// NewResumeStore creates an empty ResumeStore.
func NewResumeStore() *ResumeStore {
	return &ResumeStore{records: make(map[uuid.UUID]storedResume)}
}

// SaveResume implements task.ResumeStore. Saving an existing ID replaces it.
func (s *ResumeStore) SaveResume(_ context.Context, record *domain.ResumeRecord) error {
	if record.ID == uuid.Nil || record.Document == nil {
		return fmt.Errorf("%w: resume needs an id and a document", store.ErrInvalidEntity)
	}

	doc, err := json.Marshal(record.Document)
	if err != nil {
		return fmt.Errorf("failed to encode resume document: %w", err)
	}

	stored := storedResume{record: *record, document: doc}
	stored.record.Document = nil
	if stored.record.CreatedAt.IsZero() {
		stored.record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = stored
	return nil
}

// DeleteResume implements task.ResumeStore.
func (s *ResumeStore) DeleteResume(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// GetResume implements task.ResumeStore.
func (s *ResumeStore) GetResume(_ context.Context, id uuid.UUID) (*domain.ResumeRecord, error) {
	s.mu.RLock()
	stored, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrResumeNotFound
	}

	record := stored.record
	record.Document = &domain.ResumeDocument{}
	if err := json.Unmarshal(stored.document, record.Document); err != nil {
		return nil, fmt.Errorf("failed to decode resume document: %w", err)
	}
	record.Document.EnsureArrays()
	return &record, nil
}
