package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/bugtrap/internal/api/response"
)

// Pinger is anything whose connectivity can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health is the liveness probe. It touches nothing.
func Health(w http.ResponseWriter, _ *http.Request) {
	response.Write(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewReadyHandler checks database and cache connectivity.
func NewReadyHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
