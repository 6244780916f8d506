package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/bugtrap/internal/api/response"
	"github.com/kiranshivaraju/bugtrap/internal/validate"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// Ingester runs one raw event through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, userAgent string) (*models.Issue, error)
}

// NewIngestHandler returns an http.HandlerFunc for POST /api/v1/events.
// The response never reveals how the event was grouped.
func NewIngestHandler(svc Ingester, maxBytes int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Failed to read request body", nil)
			return
		}
		if len(raw) > maxBytes {
			response.Error(w, http.StatusRequestEntityTooLarge, response.CodeValidationFailed,
				"Event exceeds the size limit", map[string]any{"field": validate.FieldEvent, "limit": maxBytes})
			return
		}

		_, err = svc.Ingest(r.Context(), raw, r.UserAgent())
		var verr *validate.Error
		switch {
		case err == nil:
			response.Accepted(w, map[string]string{"status": "accepted"})
		case errors.As(err, &verr):
			status := http.StatusBadRequest
			if verr.Field == validate.FieldEvent && verr.Limit > 0 {
				status = http.StatusRequestEntityTooLarge
			}
			details := map[string]any{"field": verr.Field}
			if verr.Limit > 0 {
				details["limit"] = verr.Limit
			}
			response.Error(w, status, response.CodeValidationFailed, verr.Error(), details)
		default:
			slog.Error("ingest failed", "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Failed to store event", nil)
		}
	}
}
