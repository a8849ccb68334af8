package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	TaskType  domain.TaskType `json:"task_type"  validate:"required,oneof=parse generate optimize"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	InputData json.RawMessage `json:"input_data" validate:"required"`
}

// TaskAcceptedResponse is returned when a task has been queued.
type TaskAcceptedResponse struct {
	TaskID    uuid.UUID         `json:"task_id"`
	TaskType  domain.TaskType   `json:"task_type"`
	Status    domain.TaskStatus `json:"status"`
	Progress  int               `json:"progress"`
	CreatedAt time.Time         `json:"created_at"`
}

// TaskResultResponse is returned by GET /api/tasks/{id}/result.
type TaskResultResponse struct {
	TaskID uuid.UUID       `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result_data"`
}

// TaskPendingResponse is returned by the result endpoint before the task
// reaches a terminal state.
type TaskPendingResponse struct {
	TaskID   uuid.UUID         `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
	Message  string            `json:"status_message"`
}

// TaskFailedResponse is returned by the result endpoint for failed tasks.
type TaskFailedResponse struct {
	TaskID       uuid.UUID `json:"task_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// ConflictResponse names the task that already covers a duplicate request.
type ConflictResponse struct {
	Error          string    `json:"error"`
	ExistingTaskID uuid.UUID `json:"existing_task_id"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// ProgressResponse is the progress log of one task.
type ProgressResponse struct {
	TaskID  uuid.UUID              `json:"task_id"`
	Entries []domain.ProgressEntry `json:"entries"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}
