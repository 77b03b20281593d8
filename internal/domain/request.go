package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Статусы State Machine запроса на выполнение действия
type RequestState string

const (
	StateReceived            RequestState = "RECEIVED"
	StateClassified          RequestState = "CLASSIFIED"
	StateAdmitted            RequestState = "ADMITTED"
	StatePendingInternal     RequestState = "PENDING_INTERNAL_CHECK"
	StatePendingUserApproval RequestState = "PENDING_USER_APPROVAL"
	StateExecuting           RequestState = "EXECUTING"
	StateCompleted           RequestState = "COMPLETED"
	StateFailed              RequestState = "FAILED"
	StateRejected            RequestState = "REJECTED"
	StateCancelled           RequestState = "CANCELLED"
)

// Terminal сообщает, что запрос достиг финального неизменяемого состояния.
func (s RequestState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateCancelled:
		return true
	}
	return false
}

// InvocationRequest — одно предложенное действие агента. ID задается вызывающей
// стороной и служит ключом идемпотентности: повторная отправка после терминального
// состояния возвращает закэшированный результат, а не новое выполнение.
type InvocationRequest struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	ToolID    string       `json:"tool_id"`
	Action    string       `json:"action"`
	ParamHash string       `json:"param_hash"`
	Tier      RiskTier     `json:"risk_tier"`
	State     RequestState `json:"state"`
	Reason    RejectReason `json:"decision_reason,omitempty"`

	// Параметры держим только до терминального состояния: классификатору нужны
	// живые данные, аудиту — лишь их хэш.
	Params json.RawMessage `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// Capability возвращает полное имя действия, например "email.send".
func (r *InvocationRequest) Capability() string {
	return r.ToolID + "." + r.Action
}

// CanTransitionTo проверяет правила конечного автомата. Переходы строго
// линейны внутри одного запроса; отмена возможна из любого нетерминального
// состояния до начала выполнения.
func (r *InvocationRequest) CanTransitionTo(next RequestState) error {
	if r.State.Terminal() {
		return ErrAlreadyTerminal
	}

	// Отмена и отказ допустимы из любого состояния до Executing
	if (next == StateCancelled || next == StateRejected) && r.State != StateExecuting {
		return nil
	}

	allowed := map[RequestState][]RequestState{
		StateReceived:            {StateClassified},
		StateClassified:          {StateAdmitted},
		StateAdmitted:            {StateExecuting, StatePendingInternal, StatePendingUserApproval},
		StatePendingInternal:     {StateExecuting},
		StatePendingUserApproval: {StateExecuting},
		StateExecuting:           {StateCompleted, StateFailed},
	}

	for _, s := range allowed[r.State] {
		if s == next {
			return nil
		}
	}
	return ErrInvalidTransition
}

// HashParams считает SHA-256 снапшота параметров для записи в аудит.
// Сами параметры в журнал не попадают.
func HashParams(params []byte) string {
	sum := sha256.Sum256(params)
	return hex.EncodeToString(sum[:])
}
