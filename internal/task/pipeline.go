package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/extract"
	"github.com/phrazzld/tailor-api/internal/normalize"
	"github.com/phrazzld/tailor-api/internal/platform/logger"
	"github.com/phrazzld/tailor-api/internal/prompt"
	"github.com/phrazzld/tailor-api/internal/redact"
	"github.com/phrazzld/tailor-api/internal/store"
	"github.com/sethvargo/go-retry"
)

// Step names, as they appear in status messages and log metadata.
const (
	StepLoadInput   = "load_input"
	StepExtractText = "extract_text"
	StepLoadBase    = "load_base_resume"
	StepInvokeAI    = "invoke_ai"
	StepValidate    = "validate"
	StepPersist     = "persist"
)

// errAbandoned stops a run whose task was finalized by someone else.
var errAbandoned = errors.New("task is no longer processing")

type step struct {
	name     string
	progress int
	message  string
	fn       func(ctx context.Context) error
}

// pipeline is the state of one run. Fields written by steps are only read
// by later steps on the same goroutine; mu guards what the deadline path
// reads concurrently.
type pipeline struct {
	o    *Orchestrator
	task *domain.Task

	mu         sync.Mutex
	step       string
	checkpoint string
	progress   int
	attempts   int

	parseIn  domain.ParseInput
	customIn domain.CustomizeInput
	source   []byte
	mimeType string
	text     string
	base     *domain.ResumeDocument
	doc      *domain.ResumeDocument
	warnings []string
	provider string
	degraded bool
	result   json.RawMessage
}

func newPipeline(o *Orchestrator, t *domain.Task) *pipeline {
	return &pipeline{
		o:          o,
		task:       t,
		checkpoint: "queued",
		progress:   t.Progress,
	}
}

// steps returns the ordered step list for the task's type. Progress
// values are the checkpoint reached when the step completes.
func (p *pipeline) steps() []step {
	if p.task.Type.RequiresBaseResume() {
		return []step{
			{StepLoadInput, 10, "Input loaded", p.loadCustomizeInput},
			{StepLoadBase, 30, "Base résumé loaded", p.loadBaseResume},
			{StepInvokeAI, 70, "Résumé tailored", p.tailorResume},
			{StepValidate, 90, "Result validated", p.validateDocument},
			{StepPersist, 100, "Completed", p.persist},
		}
	}
	return []step{
		{StepLoadInput, 10, "Input loaded", p.loadParseInput},
		{StepExtractText, 30, "Text extracted", p.extractText},
		{StepInvokeAI, 70, "Résumé structured", p.structureResume},
		{StepValidate, 90, "Result validated", p.validateDocument},
		{StepPersist, 100, "Completed", p.persist},
	}
}

// run executes every step and returns the terminal outcome.
func (p *pipeline) run(ctx context.Context) domain.TaskOutcome {
	for _, s := range p.steps() {
		p.enter(s.name)

		err := s.fn(ctx)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			if ctx.Err() != nil {
				err = p.deadlineError(ctx)
			}
			return p.failure(err)
		}

		if s.name == StepPersist {
			break
		}
		if err := p.reach(ctx, s); err != nil {
			return p.failure(err)
		}
	}

	return domain.CompletedOutcome(p.result, "Completed", p.completionMetadata())
}

func (p *pipeline) enter(name string) {
	p.mu.Lock()
	p.step = name
	p.mu.Unlock()
}

func (p *pipeline) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// reach records a completed step on the task and in the progress log.
func (p *pipeline) reach(ctx context.Context, s step) error {
	err := p.o.deps.Tasks.UpdateProgress(ctx, p.task.ID, s.progress, s.message)
	if errors.Is(err, store.ErrNotProcessing) {
		return errAbandoned
	}
	if err != nil {
		return fmt.Errorf("failed to record checkpoint %s: %w", s.name, err)
	}

	p.mu.Lock()
	p.checkpoint = s.name
	if s.progress > p.progress {
		p.progress = s.progress
	}
	progress := p.progress
	p.mu.Unlock()

	p.o.appendLog(ctx, &domain.ProgressEntry{
		TaskID:   p.task.ID,
		Progress: progress,
		Message:  s.message,
		Metadata: map[string]any{"step": s.name},
	})

	logger.FromContext(ctx).DebugContext(ctx, "checkpoint reached",
		"step", s.name,
		"progress", progress)
	return nil
}

func (p *pipeline) deadlineError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewTimeoutError(p.current(),
			fmt.Errorf("task exceeded its %s deadline: %w", p.o.cfg.Deadline, context.DeadlineExceeded))
	}
	return &domain.PipelineError{Kind: domain.KindInternal, Op: p.current(), Err: ctx.Err()}
}

// failure builds the failed outcome for err. The error message names the
// error kind; the status message names the failing step and the last
// checkpoint reached.
func (p *pipeline) failure(err error) domain.TaskOutcome {
	var pe *domain.PipelineError
	if !errors.As(err, &pe) {
		err = &domain.PipelineError{Kind: domain.KindInternal, Op: p.current(), Err: err}
	}
	kind := domain.KindOf(err)

	p.mu.Lock()
	stepName, checkpoint, progress, attempts := p.step, p.checkpoint, p.progress, p.attempts
	p.mu.Unlock()

	errMsg := redact.Error(err)
	if stepName == StepInvokeAI && attempts > 1 {
		errMsg = fmt.Sprintf("%s (after %d attempts)", errMsg, attempts)
	}

	meta := map[string]any{
		"step":       stepName,
		"checkpoint": checkpoint,
		"error_kind": string(kind),
	}
	if attempts > 0 {
		meta["attempts"] = attempts
	}

	return domain.FailedOutcome(
		errMsg,
		fmt.Sprintf("Failed during %s; last checkpoint: %s (%d%%)", stepName, checkpoint, progress),
		meta,
	)
}

func (p *pipeline) completionMetadata() map[string]any {
	meta := map[string]any{"attempts": p.attempts}
	if p.provider != "" {
		meta["provider"] = p.provider
	}
	if p.degraded {
		meta["degraded"] = true
	}
	if len(p.warnings) > 0 {
		meta["warnings"] = p.warnings
	}
	return meta
}

func (p *pipeline) loadParseInput(ctx context.Context) error {
	if err := json.Unmarshal(p.task.Input, &p.parseIn); err != nil {
		return domain.NewValidationError(StepLoadInput, fmt.Errorf("invalid parse input: %w", err))
	}
	if err := p.parseIn.Validate(); err != nil {
		return domain.NewValidationError(StepLoadInput, err)
	}

	if p.parseIn.FileRef == "" {
		return nil
	}
	if p.o.deps.Blobs == nil {
		return domain.NewExtractionError(StepLoadInput, errors.New("no blob store configured"))
	}

	data, err := p.o.deps.Blobs.Open(ctx, p.parseIn.FileRef)
	if err != nil {
		return domain.NewExtractionError(StepLoadInput, fmt.Errorf("failed to open uploaded file: %w", err))
	}
	p.source = data
	p.mimeType = extract.DetectMimeType(p.parseIn.FileName, p.parseIn.MimeType)
	return nil
}

func (p *pipeline) extractText(ctx context.Context) error {
	if p.source == nil {
		p.text = strings.TrimSpace(p.parseIn.Text)
		if p.text == "" {
			return domain.NewExtractionError(StepExtractText, extract.ErrNoText)
		}
		return nil
	}

	if p.o.deps.Extractor == nil {
		return domain.NewExtractionError(StepExtractText, errors.New("no extractor configured"))
	}
	text, err := p.o.deps.Extractor.Extract(ctx, p.source, p.mimeType)
	if err != nil {
		return err
	}
	p.text = text
	p.source = nil
	return nil
}

func (p *pipeline) structureResume(ctx context.Context) error {
	return p.generate(ctx, prompt.KeyParseResume,
		map[string]string{"resume_text": p.text},
		normalize.Options{CheckPlaceholders: true})
}

func (p *pipeline) loadCustomizeInput(context.Context) error {
	if err := json.Unmarshal(p.task.Input, &p.customIn); err != nil {
		return domain.NewValidationError(StepLoadInput, fmt.Errorf("invalid customization input: %w", err))
	}
	if err := p.o.validate.Struct(p.customIn); err != nil {
		return domain.NewValidationError(StepLoadInput, err)
	}
	return nil
}

func (p *pipeline) loadBaseResume(ctx context.Context) error {
	record, err := p.o.deps.Resumes.GetResume(ctx, p.customIn.BaseResumeID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return domain.NewValidationError(StepLoadBase,
				fmt.Errorf("base resume %s not found", p.customIn.BaseResumeID))
		}
		return fmt.Errorf("failed to load base resume: %w", err)
	}
	p.base = record.Document
	return nil
}

func (p *pipeline) tailorResume(ctx context.Context) error {
	base, err := json.MarshalIndent(p.base, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode base resume: %w", err)
	}

	key := prompt.KeyOptimizeResume
	if p.task.Type == domain.TaskTypeGenerate {
		key = prompt.KeyGenerateResume
	}

	return p.generate(ctx, key, map[string]string{
		"job_title":       p.customIn.JobTitle,
		"company":         p.customIn.Company,
		"job_description": p.customIn.JobDescription,
		"base_resume":     string(base),
	}, normalize.Options{})
}

// generate resolves the prompt once and runs call + normalize up to
// 1 + MaxAIRetries times with that same prompt. Only retryable kinds are
// retried, and never once the run's context is done.
func (p *pipeline) generate(ctx context.Context, key string, vars map[string]string, opts normalize.Options) error {
	text, err := p.o.deps.AI.Prepare(key, vars)
	if err != nil {
		return err
	}

	log := logger.FromContext(ctx)
	maxRetries := p.o.cfg.MaxAIRetries
	backoff := retry.WithMaxRetries(uint64(maxRetries), retry.NewConstant(p.o.cfg.RetryDelay))

	var last error
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		p.mu.Lock()
		p.attempts++
		attempt := p.attempts
		progress := p.progress
		p.mu.Unlock()

		err := p.attempt(ctx, text, opts)
		if err == nil {
			return nil
		}
		last = err

		kind := domain.KindOf(err)
		if ctx.Err() != nil || !domain.Retryable(kind) || attempt > maxRetries {
			return err
		}

		log.WarnContext(ctx, "AI attempt failed, retrying",
			"attempt", attempt,
			"error_kind", kind,
			"error", err)
		p.o.appendLog(ctx, &domain.ProgressEntry{
			TaskID:   p.task.ID,
			Progress: progress,
			Message:  fmt.Sprintf("Retrying AI step (attempt %d of %d)", attempt+1, maxRetries+1),
			Metadata: map[string]any{
				"step":       StepInvokeAI,
				"attempt":    attempt,
				"error_kind": string(kind),
				"error":      err.Error(),
			},
		})
		return retry.RetryableError(err)
	})

	if err != nil && ctx.Err() != nil && last != nil {
		// retry.Do reports the bare context error; keep the last attempt's
		// cause visible in the log.
		log.WarnContext(ctx, "AI step stopped by deadline", "last_error", last)
	}
	return err
}

func (p *pipeline) attempt(ctx context.Context, text string, opts normalize.Options) error {
	completion, err := p.o.deps.AI.Complete(ctx, text)
	if err != nil {
		return err
	}

	res, err := p.o.deps.Normalizer.Normalize(ctx, completion.Text, opts)
	if err != nil {
		return err
	}

	p.doc = res.Document
	p.warnings = res.Warnings
	p.provider = completion.Provider
	p.degraded = completion.Degraded
	return nil
}

func (p *pipeline) validateDocument(ctx context.Context) error {
	if p.doc == nil {
		return domain.NewValidationError(StepValidate, errors.New("no document produced"))
	}
	p.doc.EnsureArrays()

	if len(p.warnings) > 0 {
		logger.FromContext(ctx).InfoContext(ctx, "document accepted with warnings",
			"warnings", p.warnings)
	}

	data, err := json.Marshal(p.doc)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	p.result = data
	return nil
}

func (p *pipeline) persist(ctx context.Context) error {
	sourceID := p.task.ID
	record := &domain.ResumeRecord{
		ID:           p.task.ID,
		UserID:       p.task.UserID,
		Document:     p.doc,
		SourceTaskID: &sourceID,
	}
	if err := p.o.deps.Resumes.SaveResume(ctx, record); err != nil {
		return fmt.Errorf("failed to save resume: %w", err)
	}
	return nil
}
