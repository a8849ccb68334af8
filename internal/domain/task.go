package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the kind of work a task performs.
type TaskType string

// Supported task types
const (
	TaskTypeParse    TaskType = "parse"
	TaskTypeGenerate TaskType = "generate"
	TaskTypeOptimize TaskType = "optimize"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Progress bounds
const (
	MinProgress = 0
	MaxProgress = 100
)

// Common validation errors for Task
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrInvalidTaskType   = errors.New("invalid task type")
	ErrInvalidTaskStatus = errors.New("invalid task status")
	ErrInvalidProgress   = errors.New("progress must be between 0 and 100")
	ErrEmptyTaskInput    = errors.New("task input cannot be empty")
)

// IsTerminal reports whether no further transitions can occur from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsValid reports whether t is a known task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeParse, TaskTypeGenerate, TaskTypeOptimize:
		return true
	default:
		return false
	}
}

// RequiresBaseResume reports whether the task type customizes an existing résumé.
func (t TaskType) RequiresBaseResume() bool {
	return t == TaskTypeGenerate || t == TaskTypeOptimize
}

// Task is one unit of asynchronous work tracked through the
// pending → processing → completed|failed state machine.
//
// Result and ErrorMessage are mutually exclusive and both empty until the
// task reaches a terminal state.
type Task struct {
	ID            uuid.UUID       `json:"task_id"`
	UserID        *uuid.UUID      `json:"user_id,omitempty"`
	Type          TaskType        `json:"task_type"`
	Status        TaskStatus      `json:"status"`
	Progress      int             `json:"progress"`
	StatusMessage string          `json:"status_message"`
	Input         json.RawMessage `json:"input_data"`
	Result        json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	DedupeKey     string          `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a fresh ID.
// The input is stored verbatim; type-specific validation happens in the
// orchestrator before the task is created.
func NewTask(taskType TaskType, userID *uuid.UUID, input json.RawMessage) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          taskType,
		Status:        TaskStatusPending,
		Progress:      MinProgress,
		StatusMessage: "Queued",
		Input:         input,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks that the task has coherent data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if !t.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskType, t.Type)
	}

	if !t.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskStatus, t.Status)
	}

	if t.Progress < MinProgress || t.Progress > MaxProgress {
		return ErrInvalidProgress
	}

	if len(t.Input) == 0 {
		return ErrEmptyTaskInput
	}

	return nil
}

// ProgressEntry is a write-once record in a task's progress log.
type ProgressEntry struct {
	ID        int64          `json:"id"`
	TaskID    uuid.UUID      `json:"task_id"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ParseInput is the input payload of a parse task. Either FileRef or Text
// must be set; MimeType describes the referenced bytes.
type ParseInput struct {
	FileRef  string `json:"file_ref,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
}

// CustomizeInput is the input payload shared by generate and optimize tasks.
type CustomizeInput struct {
	BaseResumeID   uuid.UUID `json:"base_resume_id" validate:"required"`
	TargetJobID    string    `json:"target_job_id" validate:"required,max=255"`
	JobTitle       string    `json:"job_title,omitempty" validate:"max=500"`
	Company        string    `json:"company,omitempty" validate:"max=500"`
	JobDescription string    `json:"job_description" validate:"required"`
}

// DedupeKey returns the key identifying duplicate customization requests.
func (in CustomizeInput) DedupeKey(taskType TaskType) string {
	return fmt.Sprintf("%s:%s:%s", taskType, in.BaseResumeID, in.TargetJobID)
}

// ErrEmptyParseInput is returned when a parse input names neither a file nor text.
var ErrEmptyParseInput = errors.New("parse input requires a file reference or text")

// Validate checks that the parse input names a source document.
func (in ParseInput) Validate() error {
	if in.FileRef == "" && in.Text == "" {
		return ErrEmptyParseInput
	}
	return nil
}

// ErrInvalidOutcome is returned when a terminal outcome breaks the
// result/error exclusivity rule.
var ErrInvalidOutcome = errors.New("invalid task outcome")

// TaskOutcome is the terminal state written when a task is finalized,
// together with the final progress log entry.
type TaskOutcome struct {
	Status       TaskStatus
	Result       json.RawMessage
	ErrorMessage string
	Message      string
	Metadata     map[string]any
}

// CompletedOutcome builds a successful outcome.
func CompletedOutcome(result json.RawMessage, message string, metadata map[string]any) TaskOutcome {
	return TaskOutcome{Status: TaskStatusCompleted, Result: result, Message: message, Metadata: metadata}
}

// FailedOutcome builds a failed outcome.
func FailedOutcome(errorMessage, message string, metadata map[string]any) TaskOutcome {
	return TaskOutcome{Status: TaskStatusFailed, ErrorMessage: errorMessage, Message: message, Metadata: metadata}
}

// Validate checks that a completed outcome carries only a result and a
// failed outcome carries only an error message.
func (o TaskOutcome) Validate() error {
	switch o.Status {
	case TaskStatusCompleted:
		if len(o.Result) == 0 || o.ErrorMessage != "" {
			return fmt.Errorf("%w: completed outcome needs a result and no error", ErrInvalidOutcome)
		}
	case TaskStatusFailed:
		if o.ErrorMessage == "" || len(o.Result) != 0 {
			return fmt.Errorf("%w: failed outcome needs an error and no result", ErrInvalidOutcome)
		}
	default:
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidOutcome, o.Status)
	}
	return nil
}

// FinalProgress is the progress recorded with the outcome. Failed tasks
// keep the progress of their last checkpoint.
func (o TaskOutcome) FinalProgress(current int) int {
	if o.Status == TaskStatusCompleted {
		return MaxProgress
	}
	return current
}
