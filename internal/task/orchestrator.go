package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/ai"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/normalize"
	"github.com/phrazzld/tailor-api/internal/platform/logger"
	"github.com/phrazzld/tailor-api/internal/store"
	"golang.org/x/sync/singleflight"
)

// Error definitions for the orchestrator.
var (
	// ErrTaskNotReady is returned by GetResult while a task is pending or
	// processing. The concrete error is a *NotReadyError.
	ErrTaskNotReady = errors.New("task result is not ready")

	ErrNilTaskStore   = errors.New("task store cannot be nil")
	ErrNilProgressLog = errors.New("progress log cannot be nil")
	ErrNilResumeStore = errors.New("resume store cannot be nil")
	ErrNilAIClient    = errors.New("AI client cannot be nil")
	ErrNilNormalizer  = errors.New("normalizer cannot be nil")
	ErrNilDispatcher  = errors.New("dispatcher cannot be nil")
)

// NotReadyError carries the state of a task whose result was requested
// before it reached a terminal state.
type NotReadyError struct {
	Status   domain.TaskStatus
	Progress int
	Message  string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%v: status %s at %d%%", ErrTaskNotReady, e.Status, e.Progress)
}

// Is reports whether target is ErrTaskNotReady.
func (e *NotReadyError) Is(target error) bool {
	return target == ErrTaskNotReady
}

// AIClient is the part of *ai.Client the pipeline uses.
type AIClient interface {
	Prepare(key string, vars map[string]string) (string, error)
	Complete(ctx context.Context, prompt string) (*ai.Completion, error)
}

// DocumentNormalizer is the part of *normalize.Normalizer the pipeline uses.
type DocumentNormalizer interface {
	Normalize(ctx context.Context, raw string, opts normalize.Options) (*normalize.Result, error)
}

// TextExtractor is the part of *extract.Extractor the pipeline uses.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Deps are the collaborators of an Orchestrator. Blobs and Extractor are
// only needed for parse tasks that reference an uploaded file.
type Deps struct {
	Tasks      TaskStore
	Progress   ProgressLog
	Resumes    ResumeStore
	Blobs      BlobStore
	Extractor  TextExtractor
	AI         AIClient
	Normalizer DocumentNormalizer
	Dispatcher Dispatcher
}

// Config bounds a single task run.
type Config struct {
	// MaxAIRetries is the number of extra AI attempts after the first.
	MaxAIRetries int

	// Deadline bounds a whole run, from claim to finalize.
	Deadline time.Duration

	// RetryDelay is the pause between AI attempts. Values below one
	// millisecond are raised to one millisecond.
	RetryDelay time.Duration

	// FinalizeTimeout bounds the terminal write, which runs even after the
	// deadline has expired.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAIRetries:    2,
		Deadline:        5 * time.Minute,
		RetryDelay:      500 * time.Millisecond,
		FinalizeTimeout: 5 * time.Second,
	}
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Type   domain.TaskType
	UserID *uuid.UUID
	Input  json.RawMessage
}

// Snapshot is a read-only view of a task's state.
type Snapshot struct {
	ID           uuid.UUID         `json:"task_id"`
	Type         domain.TaskType   `json:"task_type"`
	Status       domain.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	Message      string            `json:"status_message"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Orchestrator owns the task lifecycle: submission, the checkpointed run
// and the read side of status and results.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	validate *validator.Validate
	flight   singleflight.Group
	logger   *slog.Logger
}

// NewOrchestrator validates deps and cfg and returns an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Tasks == nil:
		return nil, ErrNilTaskStore
	case deps.Progress == nil:
		return nil, ErrNilProgressLog
	case deps.Resumes == nil:
		return nil, ErrNilResumeStore
	case deps.AI == nil:
		return nil, ErrNilAIClient
	case deps.Normalizer == nil:
		return nil, ErrNilNormalizer
	case deps.Dispatcher == nil:
		return nil, ErrNilDispatcher
	}

	if cfg.Deadline <= 0 {
		return nil, fmt.Errorf("deadline must be positive, got %s", cfg.Deadline)
	}
	if cfg.MaxAIRetries < 0 {
		return nil, fmt.Errorf("max AI retries cannot be negative, got %d", cfg.MaxAIRetries)
	}
	if cfg.RetryDelay < time.Millisecond {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With("component", "orchestrator"),
	}, nil
}

// Submit stores a pending task and hands it to the dispatcher without
// waiting for execution. A customization request whose base résumé and
// target job match an active or completed task returns a
// *domain.ConflictError.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	input, dedupeKey, err := o.prepareInput(ctx, req)
	if err != nil {
		return nil, err
	}

	t, err := domain.NewTask(req.Type, req.UserID, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	t.DedupeKey = dedupeKey

	if err := o.deps.Tasks.Create(ctx, t); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			o.logger.InfoContext(ctx, "duplicate task request",
				"task_type", req.Type,
				"existing_task_id", conflict.ExistingTaskID)
			return nil, conflict
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	o.appendLog(ctx, &domain.ProgressEntry{TaskID: t.ID, Progress: 0, Message: t.StatusMessage})

	if err := o.deps.Dispatcher.Enqueue(ctx, t.ID); err != nil {
		// The pending sweep dispatches it later.
		o.logger.WarnContext(ctx, "failed to dispatch task",
			"task_id", t.ID,
			"error", err)
	}

	o.logger.InfoContext(ctx, "task submitted",
		"task_id", t.ID,
		"task_type", t.Type)

	return t, nil
}

func (o *Orchestrator) prepareInput(ctx context.Context, req SubmitRequest) (json.RawMessage, string, error) {
	if !req.Type.IsValid() {
		return nil, "", fmt.Errorf("%w: %w: %q", domain.ErrValidation, domain.ErrInvalidTaskType, req.Type)
	}
	if len(req.Input) == 0 {
		return nil, "", fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrEmptyTaskInput)
	}

	if !req.Type.RequiresBaseResume() {
		var in domain.ParseInput
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return nil, "", fmt.Errorf("%w: invalid parse input: %v", domain.ErrValidation, err)
		}
		if err := in.Validate(); err != nil {
			return nil, "", fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		if in.FileRef != "" && o.deps.Blobs == nil {
			return nil, "", fmt.Errorf("%w: file uploads are not configured", domain.ErrValidation)
		}
		data, err := json.Marshal(in)
		return data, "", err
	}

	var in domain.CustomizeInput
	if err := json.Unmarshal(req.Input, &in); err != nil {
		return nil, "", fmt.Errorf("%w: invalid customization input: %v", domain.ErrValidation, err)
	}
	if err := o.validate.Struct(in); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if _, err := o.deps.Resumes.GetResume(ctx, in.BaseResumeID); err != nil {
		if store.IsNotFoundError(err) {
			return nil, "", fmt.Errorf("%w: base resume %s not found", domain.ErrValidation, in.BaseResumeID)
		}
		return nil, "", fmt.Errorf("failed to load base resume: %w", err)
	}

	data, err := json.Marshal(in)
	return data, in.DedupeKey(req.Type), err
}

// Run executes the task if it is still pending and returns its state
// afterwards. A terminal task is returned unchanged. Concurrent calls for
// the same id in this process share one execution; across processes the
// store's claim decides which caller executes.
//
// A task that fails is not an error: the returned task carries the
// failure. Errors report store problems only.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	v, err, _ := o.flight.Do(id.String(), func() (any, error) {
		return o.run(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Task), nil
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, err := o.deps.Tasks.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	claimed, err := o.deps.Tasks.Claim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if !claimed {
		return o.deps.Tasks.Get(ctx, id)
	}

	ctx = logger.WithLogger(ctx, o.logger)
	ctx = logger.WithAttrs(ctx, "task_id", t.ID, "task_type", t.Type)
	o.appendLog(ctx, &domain.ProgressEntry{TaskID: t.ID, Progress: t.Progress, Message: "Started"})

	started := time.Now()
	outcome := o.execute(ctx, t)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()

	err = o.deps.Tasks.Finalize(finalCtx, id, outcome)
	if err != nil || outcome.Status != domain.TaskStatusCompleted {
		o.discardResume(finalCtx, id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotProcessing) {
			o.logger.WarnContext(ctx, "task was finalized elsewhere")
			return o.deps.Tasks.Get(finalCtx, id)
		}
		return nil, fmt.Errorf("failed to finalize task: %w", err)
	}

	if outcome.Status == domain.TaskStatusCompleted {
		o.logger.InfoContext(ctx, "task completed", "duration", time.Since(started))
	} else {
		o.logger.WarnContext(ctx, "task failed",
			"duration", time.Since(started),
			"error", outcome.ErrorMessage)
	}

	return o.deps.Tasks.Get(finalCtx, id)
}

// execute runs the pipeline under the task deadline and always returns a
// terminal outcome. A step that ignores cancellation cannot hold the task
// past its deadline: the outcome is decided when the deadline fires and
// the step's late result is dropped.
func (o *Orchestrator) execute(ctx context.Context, t *domain.Task) domain.TaskOutcome {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	p := newPipeline(o, t)
	done := make(chan domain.TaskOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- p.failure(&domain.PipelineError{
					Kind: domain.KindInternal,
					Op:   p.current(),
					Err:  fmt.Errorf("step panicked: %v", r),
				})
			}
		}()
		done <- p.run(runCtx)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-runCtx.Done():
		select {
		case outcome := <-done:
			return outcome
		default:
		}
		return p.failure(p.deadlineError(runCtx))
	}
}

// GetStatus returns a snapshot of the task.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	t, err := o.deps.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:           t.ID,
		Type:         t.Type,
		Status:       t.Status,
		Progress:     t.Progress,
		Message:      t.StatusMessage,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}, nil
}

// GetResult returns the canonical document of a completed task. It
// returns a *NotReadyError while the task is pending or processing and a
// *domain.TaskFailedError when it failed.
func (o *Orchestrator) GetResult(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	t, err := o.deps.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case domain.TaskStatusCompleted:
		return t.Result, nil
	case domain.TaskStatusFailed:
		return nil, &domain.TaskFailedError{TaskID: t.ID, Message: t.ErrorMessage}
	default:
		return nil, &NotReadyError{Status: t.Status, Progress: t.Progress, Message: t.StatusMessage}
	}
}

// ListProgress returns the task's progress log, oldest first.
func (o *Orchestrator) ListProgress(ctx context.Context, id uuid.UUID) ([]domain.ProgressEntry, error) {
	return o.deps.Progress.ListProgress(ctx, id)
}

// FailInterrupted fails a processing task whose run was lost, for example
// because the process exited mid-run. Progress is left where the last
// checkpoint put it.
func (o *Orchestrator) FailInterrupted(ctx context.Context, id uuid.UUID, reason string) error {
	t, err := o.deps.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}

	cause := domain.NewTimeoutError("recover", fmt.Errorf("task interrupted: %s", reason))
	outcome := domain.FailedOutcome(
		cause.Error(),
		fmt.Sprintf("Interrupted; last checkpoint: %d%%", t.Progress),
		map[string]any{"error_kind": string(cause.Kind), "reason": reason},
	)

	if err := o.deps.Tasks.Finalize(ctx, id, outcome); err != nil {
		return err
	}
	// The run may have saved its document before it died.
	o.discardResume(ctx, id)
	return nil
}

// discardResume removes the document a task saved when the task did not
// end up completed, so it cannot be used as a base resume.
func (o *Orchestrator) discardResume(ctx context.Context, id uuid.UUID) {
	if err := o.deps.Resumes.DeleteResume(ctx, id); err != nil {
		o.logger.WarnContext(ctx, "failed to discard resume of unfinished task",
			"task_id", id,
			"error", err)
	}
}

// Redispatch hands a pending task to the dispatcher again.
func (o *Orchestrator) Redispatch(ctx context.Context, id uuid.UUID) error {
	if err := o.deps.Dispatcher.Enqueue(ctx, id); err != nil {
		return err
	}
	if err := o.deps.Tasks.MarkDispatched(ctx, id); err != nil {
		return fmt.Errorf("failed to mark task dispatched: %w", err)
	}
	return nil
}

func (o *Orchestrator) appendLog(ctx context.Context, entry *domain.ProgressEntry) {
	if err := o.deps.Progress.AppendProgress(ctx, entry); err != nil {
		o.logger.WarnContext(ctx, "failed to append progress log entry",
			"task_id", entry.TaskID,
			"progress", entry.Progress,
			"error", err)
	}
}
