// Package middleware holds HTTP middleware shared by every route.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/tailor-api/internal/api/shared"
	"github.com/phrazzld/tailor-api/internal/platform/logger"
)

// TraceHeader echoes the request's trace ID back to the caller.
const TraceHeader = "X-Trace-ID"

// NewTraceMiddleware assigns each request a trace ID and a request-scoped
// logger. The trace ID is taken from chi's RequestID middleware when it ran
// first, so the two identifiers stay the same.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if reqID := middleware.GetReqID(ctx); reqID != "" {
				ctx = shared.WithTraceID(ctx, reqID)
			} else {
				ctx = shared.SetTraceID(ctx)
			}
			traceID := shared.GetTraceID(ctx)

			// Handlers built by logger.Setup read trace_id from the context.
			ctx = logger.WithAttrs(ctx, "trace_id", traceID)
			ctx = logger.WithLogger(ctx, base)
			w.Header().Set(TraceHeader, traceID)

			logger.FromContext(ctx).Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
