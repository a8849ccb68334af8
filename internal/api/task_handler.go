package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/api/shared"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/platform/filestore"
	"github.com/phrazzld/tailor-api/internal/platform/logger"
	"github.com/phrazzld/tailor-api/internal/task"
)

// multipartOverhead is allowed on top of the file limit for form framing.
const multipartOverhead = 1 << 20

// TaskService is the part of *task.Orchestrator the handlers use.
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*domain.Task, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*task.Snapshot, error)
	GetResult(ctx context.Context, id uuid.UUID) (json.RawMessage, error)
	ListProgress(ctx context.Context, id uuid.UUID) ([]domain.ProgressEntry, error)
}

// Uploader stores uploaded résumé files for parse tasks.
type Uploader interface {
	Save(ctx context.Context, fileName string, r io.Reader) (string, error)
	Delete(ctx context.Context, ref string) error
	MaxBytes() int64
}

// TaskHandler serves the task submission, status and result endpoints.
type TaskHandler struct {
	tasks   TaskService
	uploads Uploader
	logger  *slog.Logger
}

// NewTaskHandler creates a TaskHandler. uploads may be nil, in which case
// the upload endpoint rejects every request.
func NewTaskHandler(tasks TaskService, uploads Uploader, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		tasks:   tasks,
		uploads: uploads,
		logger:  logger.With("component", "task_handler"),
	}
}

// CreateTask handles POST /api/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		if errors.Is(err, shared.ErrEmptyBody) {
			HandleAPIError(w, r, err)
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err)
		return
	}

	h.submit(w, r, task.SubmitRequest{Type: req.TaskType, UserID: req.UserID, Input: req.InputData})
}

// UploadResume handles POST /api/tasks/parse. The form carries the résumé
// in a "file" part; a "text" field may be sent instead of a file.
func (h *TaskHandler) UploadResume(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		shared.RespondWithError(w, r, http.StatusServiceUnavailable, "File uploads are not configured")
		return
	}

	if limit := h.uploads.MaxBytes(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			HandleAPIError(w, r, fmt.Errorf("%w: %v", filestore.ErrTooLarge, err))
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid multipart form", err)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	userID, err := optionalUUID(r.FormValue("user_id"))
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		text := r.FormValue("text")
		if text == "" {
			shared.RespondWithError(w, r, http.StatusBadRequest, "A file or text field is required")
			return
		}
		input, _ := json.Marshal(domain.ParseInput{Text: text})
		h.submit(w, r, task.SubmitRequest{Type: domain.TaskTypeParse, UserID: userID, Input: input})
		return
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer func() { _ = file.Close() }()

	ref, err := h.uploads.Save(r.Context(), header.Filename, file)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	input, err := json.Marshal(domain.ParseInput{
		FileRef:  ref,
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	if !h.submit(w, r, task.SubmitRequest{Type: domain.TaskTypeParse, UserID: userID, Input: input}) {
		if err := h.uploads.Delete(context.WithoutCancel(r.Context()), ref); err != nil {
			logger.FromContext(r.Context()).Warn("failed to remove rejected upload", "ref", ref, "error", err)
		}
	}
}

// submit queues req and writes the 202 response. It reports whether the
// task was accepted.
func (h *TaskHandler) submit(w http.ResponseWriter, r *http.Request, req task.SubmitRequest) bool {
	t, err := h.tasks.Submit(r.Context(), req)
	if err != nil {
		HandleAPIError(w, r, err)
		return false
	}

	h.logger.InfoContext(r.Context(), "task accepted", "task_id", t.ID, "task_type", t.Type)
	w.Header().Set("Location", "/api/tasks/"+t.ID.String()+"/status")
	shared.RespondWithJSON(w, r, http.StatusAccepted, TaskAcceptedResponse{
		TaskID:    t.ID,
		TaskType:  t.Type,
		Status:    t.Status,
		Progress:  t.Progress,
		CreatedAt: t.CreatedAt,
	})
	return true
}

// GetStatus handles GET /api/tasks/{id}/status.
func (h *TaskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.tasks.GetStatus(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, snapshot)
}

// GetResult handles GET /api/tasks/{id}/result: 200 with the document once
// completed, 202 while pending or processing, 422 when the task failed.
func (h *TaskHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	result, err := h.tasks.GetResult(r.Context(), id)

	var (
		notReady *task.NotReadyError
		failed   *domain.TaskFailedError
	)
	switch {
	case err == nil:
		shared.RespondWithJSON(w, r, http.StatusOK, TaskResultResponse{
			TaskID: id,
			Status: string(domain.TaskStatusCompleted),
			Result: result,
		})
	case errors.As(err, &notReady):
		shared.RespondWithJSON(w, r, http.StatusAccepted, TaskPendingResponse{
			TaskID:   id,
			Status:   notReady.Status,
			Progress: notReady.Progress,
			Message:  notReady.Message,
		})
	case errors.As(err, &failed):
		shared.RespondWithJSON(w, r, http.StatusUnprocessableEntity, TaskFailedResponse{
			TaskID:       id,
			Status:       string(domain.TaskStatusFailed),
			ErrorMessage: failed.Message,
			TraceID:      shared.GetTraceID(r.Context()),
		})
	default:
		HandleAPIError(w, r, err)
	}
}

// GetProgress handles GET /api/tasks/{id}/progress.
func (h *TaskHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	entries, err := h.tasks.ListProgress(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.ProgressEntry{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ProgressResponse{TaskID: id, Entries: entries})
}

func (h *TaskHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		logger.FromContext(r.Context()).Debug("invalid task id", "value", raw)
		HandleAPIError(w, r, fmt.Errorf("%w: task id %q", domain.ErrInvalidID, raw))
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: user id %q", domain.ErrInvalidID, raw)
	}
	return &id, nil
}
