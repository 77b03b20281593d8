package domain

import "time"

// Типы событий аудита. Для переходов конечного автомата event_type совпадает
// с именем входимого состояния в нижнем регистре.
const (
	EventClassified        = "classified"
	EventAdmitted          = "admitted"
	EventInternalCheck     = "internal_check"
	EventPendingApproval   = "pending_approval"
	EventApproved          = "approved"
	EventDenied            = "denied"
	EventExecuting         = "executing"
	EventCompleted         = "completed"
	EventFailed            = "failed"
	EventRejected          = "rejected"
	EventCancelled         = "cancelled"
	EventCredentialIssued  = "credential_issued"
	EventCredentialUsed    = "credential_used"
	EventCredentialRevoked = "credential_revoked"
	EventSessionCreated    = "session_created"
	EventSessionRevoked    = "session_revoked"
)

// AuditEntry — неизменяемый факт. Только добавление, никаких UPDATE/DELETE.
type AuditEntry struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	InvocationID string         `json:"invocation_id,omitempty"` // пусто для событий уровня сессии
	EventType    string         `json:"event_type"`
	Actor        string         `json:"actor"`
	Timestamp    time.Time      `json:"timestamp"`
	Detail       map[string]any `json:"detail,omitempty"`
}
