package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewResumeStore()
	id := uuid.New()

	doc := domain.NewResumeDocument()
	doc.Profile.Name = "Ada Lovelace"
	require.NoError(t, s.SaveResume(ctx, &domain.ResumeRecord{ID: id, Document: doc}))

	doc.Profile.Name = "mutated after save"

	got, err := s.GetResume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Document.Profile.Name)
	assert.NotNil(t, got.Document.Skills)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetResume(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.SaveResume(ctx, &domain.ResumeRecord{ID: uuid.New()})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}
