package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agent-supervisor/internal/infra/auth"
	"github.com/xela07ax/agent-supervisor/internal/supervisor"
)

type ApprovalsHandler struct {
	sup *supervisor.Supervisor
}

func NewApprovalsHandler(sup *supervisor.Supervisor) *ApprovalsHandler {
	return &ApprovalsHandler{sup: sup}
}

// List — очередь запросов, ждущих решения (HITL).
// GET /v1/approvals
func (h *ApprovalsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.PendingApprovals())
}

type decideRequest struct {
	Approved bool `json:"approved"`
}

// Decide применяет решение оператора. Actor берется из проверенного токена,
// не из тела запроса.
// POST /v1/approvals/{id}/decide
func (h *ApprovalsHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.sup.Decide(r.Context(), id, req.Approved, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
