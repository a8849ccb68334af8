package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/tailor-api/internal/ai"
	"github.com/phrazzld/tailor-api/internal/api"
	"github.com/phrazzld/tailor-api/internal/config"
	"github.com/phrazzld/tailor-api/internal/extract"
	"github.com/phrazzld/tailor-api/internal/normalize"
	"github.com/phrazzld/tailor-api/internal/platform/amqpqueue"
	"github.com/phrazzld/tailor-api/internal/platform/filestore"
	"github.com/phrazzld/tailor-api/internal/platform/gemini"
	"github.com/phrazzld/tailor-api/internal/platform/memory"
	"github.com/phrazzld/tailor-api/internal/platform/openai"
	"github.com/phrazzld/tailor-api/internal/platform/postgres"
	"github.com/phrazzld/tailor-api/internal/platform/redisqueue"
	"github.com/phrazzld/tailor-api/internal/prompt"
	"github.com/phrazzld/tailor-api/internal/task"
)

// taskRepository is a store that keeps both task rows and their progress log.
type taskRepository interface {
	task.TaskStore
	task.ProgressLog
}

// application holds the shared dependencies so they can be closed together.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	tasks      taskRepository
	resumes    task.ResumeStore
	uploads    *filestore.Store
	dispatcher task.Dispatcher

	orchestrator *task.Orchestrator
	runner       *task.Runner
	router       http.Handler
}

// newApplication wires every component from cfg. Nothing is started; serve
// starts the workers and the HTTP server.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	if err := app.setupStores(ctx); err != nil {
		return nil, err
	}

	uploads, err := filestore.New(cfg.Storage.UploadDir, int64(cfg.Storage.MaxUploadMB)<<20, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up upload storage: %w", err)
	}
	app.uploads = uploads

	app.dispatcher, err = newDispatcher(ctx, cfg.Queue, cfg.Task.QueueSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up %s dispatcher: %w", cfg.Queue.Backend, err)
	}

	primary, fallback, err := newProviders(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	prompts, err := prompt.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}

	aiClient, err := ai.NewClient(primary, fallback, prompts, cfg.LLM.CallTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}

	normalizer, err := normalize.NewNormalizer(logger, normalize.DefaultPlaceholders)
	if err != nil {
		return nil, fmt.Errorf("failed to create normalizer: %w", err)
	}

	app.orchestrator, err = task.NewOrchestrator(task.Deps{
		Tasks:      app.tasks,
		Progress:   app.tasks,
		Resumes:    app.resumes,
		Blobs:      uploads,
		Extractor:  extract.NewExtractor(logger, cfg.Storage.MaxUploadMB<<20),
		AI:         aiClient,
		Normalizer: normalizer,
		Dispatcher: app.dispatcher,
	}, task.Config{
		MaxAIRetries:    cfg.Task.MaxAIRetries,
		Deadline:        cfg.Task.Deadline,
		RetryDelay:      cfg.Task.RetryDelay,
		FinalizeTimeout: task.DefaultConfig().FinalizeTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	app.runner = task.NewRunner(app.tasks, app.dispatcher, app.orchestrator, task.RunnerConfig{
		WorkerCount:   cfg.Task.WorkerCount,
		SweepInterval: cfg.Task.SweepInterval,
		StaleAfter:    cfg.Task.StaleAfter(),
	}, logger)

	deps := api.RouterDeps{Tasks: app.orchestrator, Uploads: uploads, Logger: logger}
	if app.db != nil {
		deps.DB = app.db
	}
	app.router = api.NewRouter(deps)

	ok = true
	logger.Info("application initialized",
		"workers", cfg.Task.WorkerCount,
		"deadline", cfg.Task.Deadline,
		"max_ai_retries", cfg.Task.MaxAIRetries)
	return app, nil
}

// setupStores picks Postgres when a database URL is configured and the
// in-memory stores otherwise.
func (app *application) setupStores(ctx context.Context) error {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, task state will not survive restarts")
		app.tasks = memory.NewTaskStore()
		app.resumes = memory.NewResumeStore()
		return nil
	}

	db, err := postgres.Open(ctx, app.config.Database, app.logger)
	if err != nil {
		return err
	}
	app.db = db

	if app.config.Database.AutoMigrate {
		if _, err := postgres.Migrate(ctx, db, app.logger); err != nil {
			return err
		}
	}

	app.tasks = postgres.NewTaskStore(db)
	app.resumes = postgres.NewResumeStore(db)
	return nil
}

// newDispatcher builds the configured queue backend.
func newDispatcher(ctx context.Context, cfg config.QueueConfig, size int, logger *slog.Logger) (task.Dispatcher, error) {
	switch cfg.Backend {
	case "", "memory":
		return task.NewMemoryQueue(size, logger), nil
	case "redis":
		q, err := redisqueue.New(ctx, cfg.RedisURL, cfg.Name, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "amqp":
		q, err := amqpqueue.New(cfg.AMQPURL, cfg.Name, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// newProviders builds the primary provider and, when configured, a
// fallback of the other kind.
func newProviders(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (ai.Provider, ai.Provider, error) {
	primary, err := newProvider(ctx, cfg.Provider, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize %s provider: %w", cfg.Provider, err)
	}

	if !cfg.HasFallback() {
		return primary, nil, nil
	}
	fallback, err := newProvider(ctx, cfg.Fallback, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize %s fallback provider: %w", cfg.Fallback, err)
	}
	return primary, fallback, nil
}

func newProvider(ctx context.Context, name string, cfg config.LLMConfig, logger *slog.Logger) (ai.Provider, error) {
	switch name {
	case "gemini":
		p, err := gemini.NewProvider(ctx, gemini.Config{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.ModelName,
			Temperature: cfg.Temperature,
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := openai.NewProvider(openai.Config{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			Temperature: cfg.Temperature,
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// close releases resources in reverse order of acquisition. It is safe to
// call on a partially built application.
func (app *application) close() {
	if app.dispatcher != nil {
		if err := app.dispatcher.Close(); err != nil && !errors.Is(err, task.ErrQueueClosed) {
			app.logger.Error("error closing dispatcher", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
		app.db = nil
	}
}
