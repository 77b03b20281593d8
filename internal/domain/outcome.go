package domain

// OutcomeStatus — наружный статус запроса для вызывающей стороны.
type OutcomeStatus string

const (
	OutcomeExecuting OutcomeStatus = "EXECUTING"
	OutcomePending   OutcomeStatus = "PENDING"
	OutcomeRejected  OutcomeStatus = "REJECTED"
	OutcomeCompleted OutcomeStatus = "COMPLETED"
	OutcomeFailed    OutcomeStatus = "FAILED"
	OutcomeCancelled OutcomeStatus = "CANCELLED"
)

// Outcome — типизированный результат submit/запроса статуса. Адаптеры видят
// только его: Executing(handle), Pending(request_id) или Rejected(reason).
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	RequestID string        `json:"request_id"`
	Reason    RejectReason  `json:"reason,omitempty"`
	Grant     *GrantHandle  `json:"grant,omitempty"`

	// ReauthURL заполняется при Rejected(AUTH_REQUIRED): ссылка для
	// переавторизации, которую Facade доносит до владельца out-of-band.
	ReauthURL string `json:"reauth_url,omitempty"`
}

// OutcomeFor переводит состояние запроса в наружный статус.
func OutcomeFor(r *InvocationRequest) Outcome {
	out := Outcome{RequestID: r.ID}
	switch r.State {
	case StateExecuting:
		out.Status = OutcomeExecuting
	case StateCompleted:
		out.Status = OutcomeCompleted
	case StateFailed:
		out.Status = OutcomeFailed
	case StateRejected:
		out.Status = OutcomeRejected
		out.Reason = r.Reason
	case StateCancelled:
		out.Status = OutcomeCancelled
		out.Reason = r.Reason
	default:
		out.Status = OutcomePending
	}
	return out
}
