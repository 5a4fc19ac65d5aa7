package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/auth"
)

// Handler exposes the executor over HTTP.
type Handler struct {
	exec *Executor
}

// NewHandler creates a new request handler.
func NewHandler(e *Executor) *Handler {
	return &Handler{exec: e}
}

// Routes returns a chi.Router with the request routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.HandleSubmit)
	r.Get("/pending", h.HandlePending)
	r.Post("/{id}/confirm", h.HandleConfirm)
	return r
}

// maxSubmitBytes bounds the body of POST /api/requests.
const maxSubmitBytes = 64 * 1024

type submitRequest struct {
	Text string `json:"text"`
}

// HandleSubmit handles POST /api/requests. Blocked and aborted actions are
// normal replies, not HTTP errors.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	_, reply, err := h.exec.Submit(r.Context(), p, req.Text)
	if errors.Is(err, ErrEmptyRequest) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "text is required")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// HandlePending handles GET /api/requests/pending. Root sees every pending
// request, family members only their own.
func (h *Handler) HandlePending(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	filter := p.Name
	if p.IsRoot() {
		filter = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": h.exec.Pending(filter)})
}

// HandleConfirm handles POST /api/requests/{id}/confirm.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request id")
		return
	}

	_, reply, err := h.exec.Confirm(r.Context(), p, id)
	switch {
	case errors.Is(err, ErrNoPending):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "confirmation failed")
	default:
		writeJSON(w, http.StatusOK, reply)
	}
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
