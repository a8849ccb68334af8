package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/store"
)

// ResumeStore implements task.ResumeStore on PostgreSQL.
type ResumeStore struct {
	db store.DBTX
}

// NewResumeStore creates a ResumeStore.
func NewResumeStore(db store.DBTX) *ResumeStore {
	return &ResumeStore{db: db}
}

// SaveResume implements task.ResumeStore. Saving an existing ID replaces
// its document.
func (s *ResumeStore) SaveResume(ctx context.Context, record *domain.ResumeRecord) error {
	if record.ID == uuid.Nil || record.Document == nil {
		return fmt.Errorf("%w: resume needs an id and a document", store.ErrInvalidEntity)
	}

	doc, err := json.Marshal(record.Document)
	if err != nil {
		return fmt.Errorf("failed to encode resume document: %w", err)
	}

	query := `
		INSERT INTO resumes (id, user_id, document, source_task_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document, updated_at = NOW()
		RETURNING created_at
	`

	err = s.db.QueryRowContext(ctx, query,
		record.ID,
		record.UserID,
		string(doc),
		record.SourceTaskID,
	).Scan(&record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save resume: %w", MapError(err))
	}
	return nil
}

// DeleteResume implements task.ResumeStore.
func (s *ResumeStore) DeleteResume(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resumes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete resume: %w", MapError(err))
	}
	return nil
}

// GetResume implements task.ResumeStore.
func (s *ResumeStore) GetResume(ctx context.Context, id uuid.UUID) (*domain.ResumeRecord, error) {
	query := `
		SELECT id, user_id, document, source_task_id, created_at
		FROM resumes
		WHERE id = $1
	`

	var (
		record   domain.ResumeRecord
		userID   uuid.NullUUID
		sourceID uuid.NullUUID
		doc      []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&record.ID, &userID, &doc, &sourceID, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrResumeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resume: %w", MapError(err))
	}

	record.Document = &domain.ResumeDocument{}
	if err := json.Unmarshal(doc, record.Document); err != nil {
		return nil, fmt.Errorf("failed to decode resume document: %w", err)
	}
	record.Document.EnsureArrays()

	if userID.Valid {
		u := userID.UUID
		record.UserID = &u
	}
	if sourceID.Valid {
		src := sourceID.UUID
		record.SourceTaskID = &src
	}
	return &record, nil
}
