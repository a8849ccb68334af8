package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/tailor-api/internal/api/shared"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/platform/filestore"
	"github.com/phrazzld/tailor-api/internal/redact"
	"github.com/phrazzld/tailor-api/internal/store"
	"github.com/phrazzld/tailor-api/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types to clients.
func MapErrorToStatusCode(err error) int {
	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &ve),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, shared.ErrEmptyBody):
		return http.StatusBadRequest

	case errors.Is(err, filestore.ErrTooLarge):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict

	case errors.Is(err, domain.ErrTaskFailed):
		return http.StatusUnprocessableEntity

	case errors.Is(err, task.ErrTaskNotReady):
		return http.StatusAccepted

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &ve):
		return SanitizeValidationError(ve)

	case errors.Is(err, domain.ErrValidation):
		// Validation messages describe the caller's own input.
		return redact.String(strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))

	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID"

	case errors.Is(err, shared.ErrEmptyBody):
		return "Request body is required"

	case errors.Is(err, filestore.ErrTooLarge):
		return "Uploaded file is too large"

	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, store.ErrResumeNotFound):
		return "Resume not found"

	case errors.Is(err, store.ErrNotFound):
		return "Not found"

	case errors.Is(err, domain.ErrConflict):
		return "A task for this resume and job already exists"

	case errors.Is(err, domain.ErrTaskFailed):
		return "Task failed"

	case errors.Is(err, task.ErrTaskNotReady):
		return "Task has not completed yet"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns the first validator failure into a short
// message naming the field.
func SanitizeValidationError(errs validator.ValidationErrors) string {
	if len(errs) == 0 {
		return "Validation error"
	}
	fe := errs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "uuid":
		return "must be a UUID"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the response for err using its mapped status code
// and safe message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		shared.RespondWithJSON(w, r, http.StatusConflict, ConflictResponse{
			Error:          GetSafeErrorMessage(err),
			ExistingTaskID: conflict.ExistingTaskID,
			TraceID:        shared.GetTraceID(r.Context()),
		})
		return
	}

	status := MapErrorToStatusCode(err)
	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
}
