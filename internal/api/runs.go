package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/transcriptor/internal/database"
)

// RunLister reads transcription run history.
type RunLister interface {
	ListRuns(ctx context.Context, filter database.RunFilter) ([]database.RunAPI, int, error)
}

var _ RunLister = (*database.DB)(nil)

type RunsHandler struct {
	runs RunLister
}

func NewRunsHandler(runs RunLister) *RunsHandler {
	return &RunsHandler{runs: runs}
}

// Routes registers run history routes on the given router.
func (h *RunsHandler) Routes(r chi.Router) {
	r.Get("/runs", h.ListRuns)
}

var runStatuses = map[string]bool{
	database.RunRunning:   true,
	database.RunSucceeded: true,
	database.RunFailed:    true,
	database.RunCanceled:  true,
}

// ListRuns handles GET /api/v1/runs?session=&status=&since=&limit=&offset=.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		WriteError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.Limit > 500 {
		p.Limit = 500
	}

	filter := database.RunFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "session"); ok {
		filter.SessionID = v
	}
	if v, ok := QueryString(r, "status"); ok {
		if !runStatuses[v] {
			WriteError(w, http.StatusBadRequest, "invalid status "+v)
			return
		}
		filter.Status = v
	}
	if v, ok := QueryTime(r, "since"); ok {
		filter.Since = &v
	}

	runs, total, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, "failed to list runs", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}
