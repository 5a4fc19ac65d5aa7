package override

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oracle-garnett/oracle/internal/auth"
)

// Handler exposes the gate over HTTP.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new override handler.
func NewHandler(g *Gate) *Handler {
	return &Handler{gate: g}
}

// Routes returns a chi.Router with the override routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.HandleState)
	r.Post("/pause", h.HandlePause)
	r.Post("/resume", h.HandleResume)
	return r
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// HandleState handles GET /api/override.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gate.Snapshot())
}

// HandlePause handles POST /api/override/pause, the OVERRIDE command.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	var req pauseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "OVERRIDE"
	}

	ack, err := h.gate.Pause(p, req.Reason)
	if err != nil {
		handleGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// HandleResume handles POST /api/override/resume (root only).
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	ack, err := h.gate.Resume(p)
	if err != nil {
		handleGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func handleGateError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnauthorized) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", "override failed")
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
