package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/tailor-api/internal/api/middleware"
)

// RouterDeps are the collaborators the HTTP routes need.
type RouterDeps struct {
	Tasks   TaskService
	Uploads Uploader
	DB      Pinger
	Logger  *slog.Logger
}

// NewRouter builds the application's HTTP routes.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(deps.Logger))
	r.Use(middleware.Recoverer)

	tasks := NewTaskHandler(deps.Tasks, deps.Uploads, deps.Logger)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", tasks.CreateTask)
		r.Post("/parse", tasks.UploadResume)
		r.Get("/{id}/status", tasks.GetStatus)
		r.Get("/{id}/result", tasks.GetResult)
		r.Get("/{id}/progress", tasks.GetProgress)
	})

	r.Get("/health", HealthHandler(deps.DB))

	return r
}
