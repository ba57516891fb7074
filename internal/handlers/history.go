package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"averagerule/internal/history"
)

// HistoryHandler serves recent notifications and deviations.
type HistoryHandler struct {
	recorder *history.Recorder
}

// NewHistoryHandler creates a handler reading from rec.
func NewHistoryHandler(rec *history.Recorder) *HistoryHandler {
	return &HistoryHandler{recorder: rec}
}

// Routes mounts the history endpoints on r.
func (h *HistoryHandler) Routes(r chi.Router) {
	r.Get("/notifications", h.Notifications)
	r.Get("/deviations", h.Deviations)
	r.Get("/deviations/summary", h.Summary)
}

// limit parses ?limit=, defaulting to 50. 0 means everything recorded.
func limit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 50, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Notifications handles GET /notifications.
func (h *HistoryHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	n, ok := limit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, h.recorder.Notifications(n))
}

// Deviations handles GET /deviations.
func (h *HistoryHandler) Deviations(w http.ResponseWriter, r *http.Request) {
	n, ok := limit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, h.recorder.Deviations(n))
}

// Summary handles GET /deviations/summary.
func (h *HistoryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recorder.Summary())
}
