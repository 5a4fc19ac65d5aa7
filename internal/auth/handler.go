package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// loginRequest is the JSON request body for POST /api/auth/login.
type loginRequest struct {
	Principal string `json:"principal"`
	PIN       string `json:"pin"`
}

// loginResponse is the JSON response for POST /api/auth/login.
type loginResponse struct {
	Token     string    `json:"token"`
	Principal Principal `json:"principal"`
}

// HandleLogin handles POST /api/auth/login. It verifies the PIN and returns a JWT.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Principal == "" || req.PIN == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "principal and pin are required")
		return
	}

	token, p, err := h.svc.Login(req.Principal, req.PIN)
	if err != nil {
		switch {
		case errors.Is(err, ErrTooManyAttempts):
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
		case errors.Is(err, ErrUnknownPrincipal), errors.Is(err, ErrInvalidPIN):
			slog.Warn("auth: login rejected", slog.String("principal", req.Principal))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid principal or pin")
		default:
			slog.Error("auth: login failed", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "login failed")
		}
		return
	}
	slog.Info("auth: login", slog.String("principal", p.Name), slog.String("role", string(p.Role)))
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Principal: p})
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
