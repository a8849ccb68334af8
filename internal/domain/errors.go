package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a request or entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrConflict is matched by every ConflictError.
	ErrConflict = errors.New("conflicting task exists")

	// ErrTaskFailed is matched by every TaskFailedError.
	ErrTaskFailed = errors.New("task failed")
)

// ErrorKind classifies pipeline step failures. The orchestrator's retry
// decision depends only on the kind.
type ErrorKind string

// Error kinds produced by pipeline steps
const (
	KindExtraction ErrorKind = "ExtractionError"
	KindTransient  ErrorKind = "TransientError"
	KindContent    ErrorKind = "ContentError"
	KindValidation ErrorKind = "ValidationError"
	KindTimeout    ErrorKind = "TimeoutError"
	KindInternal   ErrorKind = "InternalError"
)

// Retryable reports whether a step that failed with kind may be attempted again.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindTransient, KindContent, KindValidation:
		return true
	default:
		return false
	}
}

// PipelineError is a classified failure of one pipeline step.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewExtractionError reports a bad or unsupported source document.
func NewExtractionError(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindExtraction, Op: op, Err: err}
}

// NewTransientError reports a transport-level failure of an external call.
func NewTransientError(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindTransient, Op: op, Err: err}
}

// NewContentError reports a well-formed but unusable provider response.
func NewContentError(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindContent, Op: op, Err: err}
}

// NewValidationError reports output that could not be normalized.
func NewValidationError(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindValidation, Op: op, Err: err}
}

// NewTimeoutError reports an exceeded task deadline.
func NewTimeoutError(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindTimeout, Op: op, Err: err}
}

// KindOf returns the kind of the first PipelineError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// ConflictError is returned when a customization request duplicates an
// existing, non-failed task for the same inputs.
type ConflictError struct {
	ExistingTaskID uuid.UUID
	DedupeKey      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s already exists for %s", e.ExistingTaskID, e.DedupeKey)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TaskFailedError is returned when a result is requested for a failed task.
type TaskFailedError struct {
	TaskID  uuid.UUID
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

func (e *TaskFailedError) Is(target error) bool {
	return target == ErrTaskFailed
}
