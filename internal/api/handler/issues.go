package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/bugtrap/internal/api/response"
	"github.com/kiranshivaraju/bugtrap/internal/store"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// IssueStore is the management subset of store.Store.
type IssueStore interface {
	GetIssue(ctx context.Context, fp models.Fingerprint) (*models.Issue, error)
	ListIssues(ctx context.Context, filter store.IssueFilter) ([]*models.Issue, int, error)
	ListEvents(ctx context.Context, fp models.Fingerprint, afterSeq int64, limit int) ([]*models.Event, error)
	UpdateIssue(ctx context.Context, fp models.Fingerprint, u store.IssueUpdate) (*models.Issue, error)
	DeleteIssue(ctx context.Context, fp models.Fingerprint) error
}

// Issues serves the session-gated issue management routes.
type Issues struct {
	store IssueStore
}

func NewIssues(s IssueStore) *Issues {
	return &Issues{store: s}
}

// List handles GET /api/v1/issues?status=&page=&limit=.
func (h *Issues) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IssueFilter{
		Page:  queryInt(q.Get("page"), 1),
		Limit: queryInt(q.Get("limit"), 20),
	}
	if s := q.Get("status"); s != "" {
		filter.Status = models.IssueStatus(s)
		if !filter.Status.Valid() {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				"status must be one of open, resolved, ignored", nil)
			return
		}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 || filter.Limit > 100 {
		filter.Limit = 20
	}

	issues, total, err := h.store.ListIssues(r.Context(), filter)
	if err != nil {
		internalError(w, "list issues", err)
		return
	}
	if issues == nil {
		issues = []*models.Issue{}
	}
	response.Collection(w, issues, response.PaginationMeta{
		Page:    filter.Page,
		Limit:   filter.Limit,
		Total:   total,
		HasNext: filter.Page*filter.Limit < total,
	})
}

// Get handles GET /api/v1/issues/{fingerprint}.
func (h *Issues) Get(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	issue, err := h.store.GetIssue(r.Context(), fp)
	if err != nil {
		storeError(w, "get issue", err)
		return
	}
	response.JSON(w, issue)
}

// Events handles GET /api/v1/issues/{fingerprint}/events?after=&limit=.
func (h *Issues) Events(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	if err != nil {
		after = 0
	}
	if _, err := h.store.GetIssue(r.Context(), fp); err != nil {
		storeError(w, "get issue", err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), fp, after, queryInt(r.URL.Query().Get("limit"), 0))
	if err != nil {
		internalError(w, "list events", err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	response.JSON(w, events)
}

type patchIssueRequest struct {
	Status *models.IssueStatus `json:"status"`
	Pinned *bool               `json:"pinned"`
}

// Patch handles PATCH /api/v1/issues/{fingerprint}.
func (h *Issues) Patch(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	var req patchIssueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return
	}
	if req.Status == nil && req.Pinned == nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "status or pinned is required", nil)
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
			"status must be one of open, resolved, ignored", nil)
		return
	}

	issue, err := h.store.UpdateIssue(r.Context(), fp, store.IssueUpdate{Status: req.Status, Pinned: req.Pinned})
	if err != nil {
		storeError(w, "update issue", err)
		return
	}
	response.JSON(w, issue)
}

// Delete handles DELETE /api/v1/issues/{fingerprint}.
func (h *Issues) Delete(w http.ResponseWriter, r *http.Request) {
	fp, ok := fingerprintParam(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteIssue(r.Context(), fp); err != nil {
		storeError(w, "delete issue", err)
		return
	}
	response.NoContent(w)
}

func fingerprintParam(w http.ResponseWriter, r *http.Request) (models.Fingerprint, bool) {
	fp, err := models.ParseFingerprint(chi.URLParam(r, "fingerprint"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "fingerprint must be 32 hex characters", nil)
		return models.Fingerprint{}, false
	}
	return fp, true
}

func storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Issue not found", nil)
		return
	}
	internalError(w, op, err)
}

func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error(op+" failed", "error", err)
	response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Internal error", nil)
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
