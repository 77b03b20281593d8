package handler

import (
	"net/http"

	"github.com/xela07ax/agent-supervisor/internal/supervisor"
)

type DashboardHandler struct {
	sup *supervisor.Supervisor
}

func NewDashboardHandler(sup *supervisor.Supervisor) *DashboardHandler {
	return &DashboardHandler{sup: sup}
}

// GetStats — сводка для дашборда консоли.
// GET /api/v1/dashboard/stats
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.Stats())
}
