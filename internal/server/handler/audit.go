package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/agent-supervisor/internal/ledger"
	"github.com/xela07ax/agent-supervisor/internal/supervisor"
)

type AuditHandler struct {
	sup *supervisor.Supervisor
}

func NewAuditHandler(sup *supervisor.Supervisor) *AuditHandler {
	return &AuditHandler{sup: sup}
}

// GetLogs возвращает события аудита с поддержкой фильтрации.
// GET /v1/audit?session_id=...&invocation_id=...&event_type=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		SessionID:    q.Get("session_id"),
		InvocationID: q.Get("invocation_id"),
		EventType:    q.Get("event_type"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = ts
		}
	}

	logs, err := h.sup.Audit(r.Context(), f)
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
