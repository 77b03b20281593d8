package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra/auth"
	"github.com/xela07ax/agent-supervisor/internal/supervisor"
)

type RequestsHandler struct {
	sup *supervisor.Supervisor
}

func NewRequestsHandler(sup *supervisor.Supervisor) *RequestsHandler {
	return &RequestsHandler{sup: sup}
}

// Submit принимает заявку агента на вызов инструмента.
// POST /v1/requests
func (h *RequestsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req supervisor.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.sup.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if out.Status == domain.OutcomePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

// Get возвращает текущий статус запроса.
// GET /v1/requests/{id}
func (h *RequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	out, err := h.sup.Outcome(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel отзывает запрос. До выполнения — синхронно; выполняющийся запрос
// получает advisory-флаг.
// POST /v1/requests/{id}/cancel
func (h *RequestsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		actor = "caller"
	}

	if err := h.sup.Cancel(r.Context(), id, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
