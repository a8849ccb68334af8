package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/ai"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/phrazzld/tailor-api/internal/normalize"
	"github.com/phrazzld/tailor-api/internal/platform/memory"
	"github.com/phrazzld/tailor-api/internal/prompt"
	"github.com/phrazzld/tailor-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adaJSON = `{"profile":{"name":"Ada Lovelace","email":"ada@lovelace.dev","phone":"+44 20 7946 0958"}}`

type harness struct {
	tasks   *memory.TaskStore
	resumes *memory.ResumeStore
	queue   *MemoryQueue
	orch    *Orchestrator

	calls   atomic.Int32
	mu      sync.Mutex
	prompts []string
}

func testConfig() Config {
	return Config{
		MaxAIRetries:    2,
		Deadline:        2 * time.Second,
		RetryDelay:      time.Millisecond,
		FinalizeTimeout: time.Second,
	}
}

// newHarness wires an orchestrator with in-memory stores, the bundled
// prompts, the real normalizer and an AI client backed by generate.
func newHarness(t *testing.T, cfg Config, generate func(ctx context.Context, prompt string) (string, error)) *harness {
	t.Helper()

	h := &harness{
		tasks:   memory.NewTaskStore(),
		resumes: memory.NewResumeStore(),
		queue:   NewMemoryQueue(16, discardLogger()),
	}

	prompts, err := prompt.NewStore()
	require.NoError(t, err)

	provider := ai.ProviderFunc{ProviderName: "fake", Fn: func(ctx context.Context, p string) (string, error) {
		h.calls.Add(1)
		h.mu.Lock()
		h.prompts = append(h.prompts, p)
		h.mu.Unlock()
		return generate(ctx, p)
	}}
	client, err := ai.NewClient(provider, nil, prompts, time.Second, discardLogger())
	require.NoError(t, err)

	h.orch = h.newOrchestrator(t, client, cfg)
	return h
}

func (h *harness) newOrchestrator(t *testing.T, client AIClient, cfg Config) *Orchestrator {
	t.Helper()

	normalizer, err := normalize.NewNormalizer(discardLogger(), normalize.DefaultPlaceholders)
	require.NoError(t, err)

	orch, err := NewOrchestrator(Deps{
		Tasks:      h.tasks,
		Progress:   h.tasks,
		Resumes:    h.resumes,
		AI:         client,
		Normalizer: normalizer,
		Dispatcher: h.queue,
	}, cfg, discardLogger())
	require.NoError(t, err)
	return orch
}

func (h *harness) submitParse(t *testing.T, text string) *domain.Task {
	t.Helper()
	input, err := json.Marshal(domain.ParseInput{Text: text})
	require.NoError(t, err)

	task, err := h.orch.Submit(context.Background(), SubmitRequest{Type: domain.TaskTypeParse, Input: input})
	require.NoError(t, err)
	return task
}

func (h *harness) seedBaseResume(t *testing.T) uuid.UUID {
	t.Helper()
	doc := domain.NewResumeDocument()
	doc.Profile.Name = "Ada Lovelace"
	doc.WorkExperience = []domain.WorkExperience{{Company: "Analytical Engines", Position: "Programmer", Highlights: []string{}}}
	id := uuid.New()
	require.NoError(t, h.resumes.SaveResume(context.Background(), &domain.ResumeRecord{ID: id, Document: doc}))
	return id
}

func customizeInput(t *testing.T, base uuid.UUID, job string) json.RawMessage {
	t.Helper()
	input, err := json.Marshal(domain.CustomizeInput{
		BaseResumeID:   base,
		TargetJobID:    job,
		JobTitle:       "Staff Engineer",
		Company:        "Babbage & Co",
		JobDescription: "Design difference engines.",
	})
	require.NoError(t, err)
	return input
}

func assertMonotonic(t *testing.T, entries []domain.ProgressEntry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i].Progress, entries[i-1].Progress,
			"entry %d (%q) lowers progress", i, entries[i].Message)
	}
}

func TestOrchestrator_ParseCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) {
		return "Here is the résumé:\n```json\n" + adaJSON + "\n```", nil
	})
	ctx := context.Background()

	submitted := h.submitParse(t, "Ada Lovelace, ada@lovelace.dev, +44 20 7946 0958")
	assert.Equal(t, domain.TaskStatusPending, submitted.Status)
	assert.Equal(t, 1, h.queue.Len(), "submission dispatches the task")

	done, err := h.orch.Run(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Empty(t, done.ErrorMessage)

	raw, err := h.orch.GetResult(ctx, submitted.ID)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	profile := doc["profile"].(map[string]any)
	assert.Equal(t, "Ada Lovelace", profile["name"])
	assert.Equal(t, "ada@lovelace.dev", profile["email"])
	assert.Equal(t, "+44 20 7946 0958", profile["phone"])
	for _, field := range []string{"workExperience", "education", "projects", "skills", "customSections"} {
		assert.Equal(t, []any{}, doc[field], field)
	}

	entries, err := h.orch.ListProgress(ctx, submitted.ID)
	require.NoError(t, err)
	assertMonotonic(t, entries)

	var checkpoints []int
	for _, e := range entries {
		if step, ok := e.Metadata["step"]; ok && step != nil && e.Progress > 0 {
			checkpoints = append(checkpoints, e.Progress)
		}
	}
	assert.Equal(t, []int{10, 30, 70, 90}, checkpoints)
	assert.Equal(t, 100, entries[len(entries)-1].Progress)

	saved, err := h.resumes.GetResume(ctx, submitted.ID)
	require.NoError(t, err, "completed documents become base résumés")
	assert.Equal(t, "Ada Lovelace", saved.Document.Profile.Name)
}

func TestOrchestrator_ParseFailsAfterRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) {
		return "I'm sorry, I can't read this document.", nil
	})
	ctx := context.Background()

	submitted := h.submitParse(t, "Grace Hopper, grace@navy.mil")
	start := time.Now()

	done, err := h.orch.Run(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), testConfig().Deadline)
	assert.Equal(t, int32(3), h.calls.Load())
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "ValidationError")
	assert.Contains(t, done.ErrorMessage, "after 3 attempts")
	assert.Equal(t, 30, done.Progress, "failure keeps the last checkpoint")
	assert.Contains(t, done.StatusMessage, "invoke_ai")
	assert.Contains(t, done.StatusMessage, "extract_text (30%)")
	assert.Empty(t, done.Result)

	h.mu.Lock()
	for _, p := range h.prompts {
		assert.Equal(t, h.prompts[0], p, "retries reuse the same prompt")
	}
	h.mu.Unlock()

	entries, err := h.orch.ListProgress(ctx, submitted.ID)
	require.NoError(t, err)
	assertMonotonic(t, entries)

	retries := 0
	for _, e := range entries {
		if _, ok := e.Metadata["attempt"]; ok {
			retries++
			assert.Equal(t, 30, e.Progress)
		}
	}
	assert.Equal(t, 2, retries)

	_, err = h.orch.GetResult(ctx, submitted.ID)
	var failed *domain.TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, done.ErrorMessage, failed.Message)
}

func TestOrchestrator_RetryRecovers(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) {
		if n.Add(1) == 1 {
			return "", errors.New("connection reset by peer")
		}
		return adaJSON, nil
	})

	submitted := h.submitParse(t, "Ada Lovelace")
	done, err := h.orch.Run(context.Background(), submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestOrchestrator_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) {
		return adaJSON, nil
	})
	blank, err := json.Marshal(domain.ParseInput{Text: "   "})
	require.NoError(t, err)

	submitted, err := h.orch.Submit(context.Background(), SubmitRequest{Type: domain.TaskTypeParse, Input: blank})
	require.NoError(t, err)

	done, err := h.orch.Run(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "ExtractionError")
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestOrchestrator_DuplicateCustomization(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) {
		return adaJSON, nil
	})
	ctx := context.Background()
	base := h.seedBaseResume(t)

	first, err := h.orch.Submit(ctx, SubmitRequest{Type: domain.TaskTypeOptimize, Input: customizeInput(t, base, "job-1")})
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, SubmitRequest{Type: domain.TaskTypeOptimize, Input: customizeInput(t, base, "job-1")})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ExistingTaskID)

	pending, err := h.tasks.ListByStatus(ctx, domain.TaskStatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "no duplicate record is created")

	done, err := h.orch.Run(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCompleted, done.Status)

	_, err = h.orch.Submit(ctx, SubmitRequest{Type: domain.TaskTypeOptimize, Input: customizeInput(t, base, "job-1")})
	require.ErrorAs(t, err, &conflict, "completed tasks still hold their key")
	assert.Equal(t, first.ID, conflict.ExistingTaskID)

	_, err = h.orch.Submit(ctx, SubmitRequest{Type: domain.TaskTypeGenerate, Input: customizeInput(t, base, "job-1")})
	assert.NoError(t, err, "generate and optimize keys are distinct")

	_, err = h.orch.Submit(ctx, SubmitRequest{Type: domain.TaskTypeOptimize, Input: customizeInput(t, base, "job-2")})
	assert.NoError(t, err)
}

func TestOrchestrator_CustomizationUsesBaseResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(_ context.Context, p string) (string, error) {
		return `{"profile":{"name":"Ada Lovelace"},"workExperience":[{"company":"Analytical Engines","position":"Staff Engineer"}]}`, nil
	})
	ctx := context.Background()
	base := h.seedBaseResume(t)

	submitted, err := h.orch.Submit(ctx, SubmitRequest{Type: domain.TaskTypeGenerate, Input: customizeInput(t, base, "job-9")})
	require.NoError(t, err)

	done, err := h.orch.Run(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCompleted, done.Status)

	h.mu.Lock()
	require.Len(t, h.prompts, 1)
	sent := h.prompts[0]
	h.mu.Unlock()
	assert.Contains(t, sent, "Design difference engines.")
	assert.Contains(t, sent, "Babbage & Co")
	assert.Contains(t, sent, "Analytical Engines")
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) { return adaJSON, nil })
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown type", SubmitRequest{Type: "summarize", Input: json.RawMessage(`{"text":"x"}`)}},
		{"empty input", SubmitRequest{Type: domain.TaskTypeParse}},
		{"parse without text or file", SubmitRequest{Type: domain.TaskTypeParse, Input: json.RawMessage(`{}`)}},
		{"missing target job", SubmitRequest{Type: domain.TaskTypeOptimize, Input: json.RawMessage(
			`{"base_resume_id":"` + uuid.NewString() + `","job_description":"x"}`)}},
		{"unknown base resume", SubmitRequest{Type: domain.TaskTypeOptimize, Input: customizeInput(t, uuid.New(), "job")}},
		{"malformed json", SubmitRequest{Type: domain.TaskTypeGenerate, Input: json.RawMessage(`{`)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := h.orch.Submit(ctx, tc.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestOrchestrator_ConcurrentRunExecutesOnce(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) {
		<-release
		return adaJSON, nil
	})
	submitted := h.submitParse(t, "Ada Lovelace")

	const callers = 8
	results := make([]*domain.Task, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := h.orch.Run(context.Background(), submitted.ID)
			assert.NoError(t, err)
			results[i] = task
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), h.calls.Load())

	// A second orchestrator over the same store stands in for another process.
	other := h.newOrchestrator(t, stallingAI{release: make(chan struct{})}, testConfig())
	again, err := other.Run(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, again.Status)

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, domain.TaskStatusCompleted, r.Status)
	}
}

// stallingAI ignores cancellation entirely.
type stallingAI struct {
	release chan struct{}
}

func (s stallingAI) Prepare(string, map[string]string) (string, error) {
	return "prompt", nil
}

func (s stallingAI) Complete(context.Context, string) (*ai.Completion, error) {
	<-s.release
	return nil, errors.New("released")
}

func TestOrchestrator_DeadlineBoundsStuckStep(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Deadline = 100 * time.Millisecond

	h := newHarness(t, cfg, func(context.Context, string) (string, error) { return adaJSON, nil })
	stall := stallingAI{release: make(chan struct{})}
	t.Cleanup(func() { close(stall.release) })
	orch := h.newOrchestrator(t, stall, cfg)

	input, err := json.Marshal(domain.ParseInput{Text: "Ada Lovelace"})
	require.NoError(t, err)
	submitted, err := orch.Submit(context.Background(), SubmitRequest{Type: domain.TaskTypeParse, Input: input})
	require.NoError(t, err)

	start := time.Now()
	done, err := orch.Run(context.Background(), submitted.ID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), cfg.Deadline+time.Second)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "TimeoutError")
	assert.Equal(t, 30, done.Progress)
	assert.NotNil(t, done.CompletedAt)
}

func TestOrchestrator_HangingProviderTimesOut(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Deadline = 200 * time.Millisecond
	h := newHarness(t, cfg, func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	submitted := h.submitParse(t, "Ada Lovelace")
	start := time.Now()
	done, err := h.orch.Run(context.Background(), submitted.ID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), cfg.Deadline+time.Second)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "TimeoutError")
}

func TestOrchestrator_TerminalStateIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) { return adaJSON, nil })
	ctx := context.Background()
	submitted := h.submitParse(t, "Ada Lovelace")

	first, err := h.orch.Run(ctx, submitted.ID)
	require.NoError(t, err)
	firstResult, err := h.orch.GetResult(ctx, submitted.ID)
	require.NoError(t, err)

	second, err := h.orch.Run(ctx, submitted.ID)
	require.NoError(t, err)
	secondResult, err := h.orch.GetResult(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, []byte(firstResult), []byte(secondResult))

	err = h.orch.FailInterrupted(ctx, submitted.ID, "late sweep")
	assert.Error(t, err, "terminal tasks cannot be failed")
}

func TestOrchestrator_GetResultNotReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) { return adaJSON, nil })
	submitted := h.submitParse(t, "Ada Lovelace")

	_, err := h.orch.GetResult(context.Background(), submitted.ID)
	assert.ErrorIs(t, err, ErrTaskNotReady)

	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, domain.TaskStatusPending, notReady.Status)

	status, err := h.orch.GetStatus(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, status.Status)
	assert.Equal(t, 0, status.Progress)
}

func TestOrchestrator_FailInterrupted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) { return adaJSON, nil })
	ctx := context.Background()
	submitted := h.submitParse(t, "Ada Lovelace")

	_, err := h.tasks.Claim(ctx, submitted.ID)
	require.NoError(t, err)
	require.NoError(t, h.tasks.UpdateProgress(ctx, submitted.ID, 30, "Text extracted"))

	// The dead run got as far as saving its document.
	doc := domain.NewResumeDocument()
	doc.Profile.Name = "Ada Lovelace"
	require.NoError(t, h.resumes.SaveResume(ctx, &domain.ResumeRecord{ID: submitted.ID, Document: doc}))

	require.NoError(t, h.orch.FailInterrupted(ctx, submitted.ID, "process restarted"))

	status, err := h.orch.GetStatus(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, status.Status)
	assert.Equal(t, 30, status.Progress)
	assert.Contains(t, status.ErrorMessage, "process restarted")

	_, err = h.resumes.GetResume(ctx, submitted.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "failed tasks leave no base resume")
}

// racingResumes fails the task just before the document is written, the
// way a sweep can finalize a slow run.
type racingResumes struct {
	*memory.ResumeStore
	beforeSave func(id uuid.UUID)
}

func (r racingResumes) SaveResume(ctx context.Context, record *domain.ResumeRecord) error {
	r.beforeSave(record.ID)
	return r.ResumeStore.SaveResume(ctx, record)
}

func TestOrchestrator_FinalizedElsewhereDiscardsResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) { return adaJSON, nil })

	prompts, err := prompt.NewStore()
	require.NoError(t, err)
	client, err := ai.NewClient(ai.ProviderFunc{ProviderName: "fake", Fn: func(context.Context, string) (string, error) {
		return adaJSON, nil
	}}, nil, prompts, time.Second, discardLogger())
	require.NoError(t, err)
	normalizer, err := normalize.NewNormalizer(discardLogger(), normalize.DefaultPlaceholders)
	require.NoError(t, err)

	var orch *Orchestrator
	resumes := racingResumes{ResumeStore: h.resumes, beforeSave: func(id uuid.UUID) {
		assert.NoError(t, orch.FailInterrupted(ctx, id, "swept"))
	}}
	orch, err = NewOrchestrator(Deps{
		Tasks:      h.tasks,
		Progress:   h.tasks,
		Resumes:    resumes,
		AI:         client,
		Normalizer: normalizer,
		Dispatcher: h.queue,
	}, testConfig(), discardLogger())
	require.NoError(t, err)

	submitted := h.submitParse(t, "Ada Lovelace")
	done, err := orch.Run(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Empty(t, done.Result)

	_, err = h.resumes.GetResume(ctx, submitted.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = orch.Submit(ctx, SubmitRequest{Type: domain.TaskTypeOptimize, Input: customizeInput(t, submitted.ID, "job-1")})
	assert.ErrorIs(t, err, domain.ErrValidation, "a failed task is not a base resume")
}

func TestNewOrchestrator_Validation(t *testing.T) {
	t.Parallel()

	tasks := memory.NewTaskStore()
	_, err := NewOrchestrator(Deps{}, testConfig(), nil)
	assert.ErrorIs(t, err, ErrNilTaskStore)

	_, err = NewOrchestrator(Deps{Tasks: tasks, Progress: tasks}, testConfig(), nil)
	assert.ErrorIs(t, err, ErrNilResumeStore)

	h := newHarness(t, testConfig(), func(context.Context, string) (string, error) { return adaJSON, nil })
	cfg := testConfig()
	cfg.Deadline = 0
	_, err = NewOrchestrator(h.orch.deps, cfg, nil)
	assert.Error(t, err)
}
