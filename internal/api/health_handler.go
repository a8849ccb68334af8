package api

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/tailor-api/internal/api/shared"
	"github.com/phrazzld/tailor-api/internal/platform/logger"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether a backing service is reachable. *sql.DB
// satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler serves GET /health. db is nil when the in-memory stores
// are in use.
func HealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			logger.FromContext(r.Context()).Warn("health check failed", "error", err)
			shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, HealthResponse{
				Status:   "unavailable",
				Database: "unreachable",
			})
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
	}
}
