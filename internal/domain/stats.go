package domain

// SupervisorStats — сводка для дашборда оператора.
type SupervisorStats struct {
	ActiveSessions   int   `json:"active_sessions"`
	PendingApprovals int   `json:"pending_approvals"` // Ждут решения (HITL)
	QueuedCritical   int   `json:"queued_critical"`   // В FIFO-очередях сессий
	TotalRequests    int64 `json:"total_requests"`
	RejectedRequests int64 `json:"rejected_requests"`
}
