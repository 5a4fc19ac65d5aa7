package actionlog

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Handler serves the audit trail.
type Handler struct {
	log *Logger
}

// NewHandler creates a new action log handler.
func NewHandler(l *Logger) *Handler {
	return &Handler{log: l}
}

type listResponse struct {
	Entries []Entry `json:"entries"`
}

// HandleList handles GET /api/actions?limit=N&action_id=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var entries []Entry
	if id := r.URL.Query().Get("action_id"); id != "" {
		entries = h.log.ForAction(id)
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries = h.log.Recent(limit)
	}
	if entries == nil {
		entries = []Entry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Entries: entries})
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
