package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/supervisor"
)

type SessionsHandler struct {
	sup *supervisor.Supervisor
}

func NewSessionsHandler(sup *supervisor.Supervisor) *SessionsHandler {
	return &SessionsHandler{sup: sup}
}

type createSessionRequest struct {
	TrustLevel string `json:"trust_level"`
}

// Create регистрирует агентскую сессию.
// POST /v1/sessions
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trust, err := domain.ParseTrustLevel(req.TrustLevel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess := h.sup.CreateSession(r.Context(), trust)
	writeJSON(w, http.StatusCreated, sess)
}

// List — живые сессии.
// GET /v1/sessions
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.ListSessions())
}

// Revoke — kill-switch сессии: гаснут её запросы и гранты.
// POST /v1/sessions/{id}/revoke
func (h *SessionsHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.sup.RevokeSession(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setTrustRequest struct {
	TrustLevel string `json:"trust_level"`
}

// SetTrust меняет уровень доверия сессии (step-up или принудительное понижение).
// POST /v1/sessions/{id}/trust
func (h *SessionsHandler) SetTrust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setTrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trust, err := domain.ParseTrustLevel(req.TrustLevel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.sup.SetSessionTrust(r.Context(), id, trust); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
