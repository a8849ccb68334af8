package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/platform/filestore"
	"github.com/phrazzld/tailor-api/internal/store"
	"github.com/phrazzld/tailor-api/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: text is empty", domain.ErrValidation), http.StatusBadRequest},
		{"invalid id", domain.ErrInvalidID, http.StatusBadRequest},
		{"invalid entity", store.ErrInvalidEntity, http.StatusBadRequest},
		{"too large", filestore.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{"task not found", store.ErrTaskNotFound, http.StatusNotFound},
		{"resume not found", fmt.Errorf("failed to load: %w", store.ErrResumeNotFound), http.StatusNotFound},
		{"conflict", &domain.ConflictError{ExistingTaskID: uuid.New()}, http.StatusConflict},
		{"failed task", &domain.TaskFailedError{TaskID: uuid.New(), Message: "boom"}, http.StatusUnprocessableEntity},
		{"not ready", &task.NotReadyError{Status: domain.TaskStatusPending}, http.StatusAccepted},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MapErrorToStatusCode(tt.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(nil))
	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(errors.New("pq: password=hunter22 rejected")))
	assert.Equal(t, "Task not found", GetSafeErrorMessage(store.ErrTaskNotFound))
	assert.Equal(t, "base resume 42 not found",
		GetSafeErrorMessage(fmt.Errorf("%w: base resume 42 not found", domain.ErrValidation)))
	assert.Equal(t, "A task for this resume and job already exists",
		GetSafeErrorMessage(&domain.ConflictError{ExistingTaskID: uuid.New()}))
}

func TestSanitizeValidationError(t *testing.T) {
	t.Parallel()

	err := validator.New().Struct(CreateTaskRequest{TaskType: "summarize"})
	var ve validator.ValidationErrors
	if assert.True(t, errors.As(err, &ve)) {
		assert.Equal(t, "Invalid TaskType: invalid value", SanitizeValidationError(ve))
	}
	assert.Equal(t, "Validation error", SanitizeValidationError(nil))
}
