package supervisor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
	"github.com/xela07ax/agent-supervisor/internal/workflow"
)

// SubmitRequest — заявка агента на вызов инструмента.
type SubmitRequest struct {
	SessionID      string          `json:"session_id"`
	ToolID         string          `json:"tool_id"`
	Action         string          `json:"action"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Supervisor — единая точка входа плоскости управления: за ней движок
// workflow, реестр сессий и журнал аудита.
type Supervisor struct {
	engine   *workflow.Engine
	registry *SessionRegistry
	ledger   *ledger.Ledger
	rdb      *redis.Client // nil — одиночный инстанс без broadcast
	logger   *zap.Logger
}

func New(engine *workflow.Engine, registry *SessionRegistry, led *ledger.Ledger, rdb *redis.Client, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		engine:   engine,
		registry: registry,
		ledger:   led,
		rdb:      rdb,
		logger:   logger.Named("supervisor"),
	}
}

// Submit принимает запрос агента. Сессия проверяется здесь, до движка:
// мертвая сессия не порождает track вовсе.
func (s *Supervisor) Submit(ctx context.Context, req SubmitRequest) (domain.Outcome, error) {
	sess, err := s.registry.Live(req.SessionID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if req.ToolID == "" || req.Action == "" {
		return domain.Outcome{}, errors.New("tool_id and action are required")
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	return s.engine.Submit(ctx, sess, req.ToolID, req.Action, req.Params, key), nil
}

// Decide применяет решение оператора локально и транслирует его остальным
// инстансам: запрос может висеть не здесь.
func (s *Supervisor) Decide(ctx context.Context, requestID string, approved bool, actor string) error {
	err := s.engine.ResolveApproval(ctx, requestID, approved, actor)

	if s.rdb != nil {
		msg, _ := json.Marshal(workflow.DecisionMessage{
			RequestID: requestID,
			Approved:  approved,
			Actor:     actor,
		})
		if perr := s.rdb.Publish(ctx, infra.RedisChanApprovalDecisions, msg).Err(); perr != nil {
			s.logger.Error("failed to broadcast decision", zap.Error(perr))
		} else if errors.Is(err, domain.ErrUnknownRequest) {
			// Запрос на другом инстансе — broadcast доставит
			return nil
		}
	}
	return err
}

// Cancel — отзыв запроса вызывающим.
func (s *Supervisor) Cancel(ctx context.Context, requestID, actor string) error {
	return s.engine.Cancel(ctx, requestID, actor, domain.ReasonWithdrawn)
}

// Outcome — текущий наружный статус запроса.
func (s *Supervisor) Outcome(requestID string) (domain.Outcome, error) {
	out, ok := s.engine.Outcome(requestID)
	if !ok {
		return domain.Outcome{}, domain.ErrUnknownRequest
	}
	return out, nil
}

// PendingApprovals — очередь решений для консоли оператора.
func (s *Supervisor) PendingApprovals() []*domain.InvocationRequest {
	return s.engine.PendingApprovals()
}

// Audit — выборка из журнала по фильтру.
func (s *Supervisor) Audit(ctx context.Context, f ledger.Filter) ([]domain.AuditEntry, error) {
	return s.ledger.Query(ctx, f)
}

// CreateSession регистрирует новую агентскую сессию.
func (s *Supervisor) CreateSession(ctx context.Context, trust domain.TrustLevel) *domain.Session {
	return s.registry.Create(ctx, trust)
}

// RevokeSession — kill-switch: сессия гаснет, её запросы отменяются, гранты
// отзываются, остальные инстансы узнают через broadcast.
func (s *Supervisor) RevokeSession(ctx context.Context, sessionID string) error {
	wasAlive, err := s.registry.Revoke(ctx, sessionID)
	if err != nil {
		return err
	}
	if !wasAlive {
		return nil // идемпотентно
	}

	s.engine.CancelSession(ctx, sessionID)

	if s.rdb != nil {
		if perr := s.rdb.Publish(ctx, infra.RedisChanSessionRevoked, sessionID).Err(); perr != nil {
			s.logger.Error("failed to broadcast session revocation",
				zap.String("session_id", sessionID), zap.Error(perr))
		}
	}
	return nil
}

// ListSessions — живые сессии для консоли оператора.
func (s *Supervisor) ListSessions() []*domain.Session {
	return s.registry.List()
}

// SetSessionTrust меняет уровень доверия сессии.
func (s *Supervisor) SetSessionTrust(ctx context.Context, sessionID string, trust domain.TrustLevel) error {
	return s.registry.SetTrust(ctx, sessionID, trust)
}

// Stats — сводка для дашборда консоли. Движок сессий не видит, поэтому
// счетчик живых сессий добавляется здесь.
func (s *Supervisor) Stats() domain.SupervisorStats {
	st := s.engine.Stats()
	st.ActiveSessions = len(s.registry.List())
	return st
}
