package domain

import "errors"

// RejectReason — таксономия отказов. Возвращается вызывающей стороне как
// типизированный результат, никогда как необработанное исключение.
type RejectReason string

const (
	ReasonClassificationFailure RejectReason = "CLASSIFICATION_FAILURE"
	ReasonBudgetExceeded        RejectReason = "BUDGET_EXCEEDED"
	ReasonConsistencyFailed     RejectReason = "CONSISTENCY_CHECK_FAILED"
	ReasonUserDenied            RejectReason = "USER_DENIED"
	ReasonApprovalTimeout       RejectReason = "APPROVAL_TIMEOUT"
	ReasonAuthRequired          RejectReason = "AUTH_REQUIRED"
	ReasonAuditUnavailable      RejectReason = "AUDIT_UNAVAILABLE"
	ReasonSessionRevoked        RejectReason = "SESSION_REVOKED"
	ReasonWithdrawn             RejectReason = "WITHDRAWN"
)

var (
	ErrInvalidTransition = errors.New("invalid request state transition")
	ErrAlreadyTerminal   = errors.New("request already in terminal state")

	ErrUnknownRequest = errors.New("invocation request not found")
	ErrUnknownSession = errors.New("session not found")
	ErrSessionExpired = errors.New("session expired or revoked")
	ErrUnknownTool    = errors.New("tool not registered")

	// ErrAuthRequired — класс ошибок «нужна переавторизация»: внешний credential
	// отсутствует/истек, либо грант отозван или просрочен.
	ErrAuthRequired = errors.New("re-authentication required")

	// ErrAuditUnavailable — журнал недоступен, переход не состоялся.
	ErrAuditUnavailable = errors.New("audit ledger unavailable")

	ErrScopeExceeded = errors.New("requested scopes exceed tool maximum for trust level")
)

// AuthRequiredError несет handle для переавторизации, который Facade
// показывает владельцу out-of-band. Оборачивает ErrAuthRequired,
// поэтому ловится через errors.Is.
type AuthRequiredError struct {
	ReauthURL string
}

func (e *AuthRequiredError) Error() string {
	return "re-authentication required: " + e.ReauthURL
}

func (e *AuthRequiredError) Unwrap() error { return ErrAuthRequired }
