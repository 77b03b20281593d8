package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
)

// DecisionMessage — решение оператора, транслируемое всем инстансам через
// Pub/Sub: PendingUserApproval может висеть не на том инстансе, который
// принял HTTP-запрос с решением.
type DecisionMessage struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Actor     string `json:"actor"`
}

// Listener подписывает движок на кластерные события: решения операторов и
// отзывы сессий.
type Listener struct {
	engine *Engine
	rdb    *redis.Client
	logger *zap.Logger
}

func NewListener(engine *Engine, rdb *redis.Client, logger *zap.Logger) *Listener {
	return &Listener{
		engine: engine,
		rdb:    rdb,
		logger: logger.Named("workflow-listener"),
	}
}

// Start поднимает обе подписки; блокируется до отмены контекста.
func (l *Listener) Start(ctx context.Context) {
	go l.listen(ctx, infra.RedisChanSessionRevoked, l.handleRevocation)
	l.listen(ctx, infra.RedisChanApprovalDecisions, l.handleDecision)
}

// listen — «живучая» подписка: при обрыве соединения переподключается,
// а не умирает.
func (l *Listener) listen(ctx context.Context, channel string, handle func(ctx context.Context, payload string)) {
	for {
		pubsub := l.rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			l.logger.Error("failed to subscribe", zap.String("channel", channel), zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				handle(ctx, msg.Payload)
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

func (l *Listener) handleDecision(ctx context.Context, payload string) {
	var msg DecisionMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		l.logger.Warn("malformed decision message", zap.Error(err))
		return
	}

	err := l.engine.ResolveApproval(ctx, msg.RequestID, msg.Approved, msg.Actor)
	switch {
	case err == nil:
		l.logger.Info("approval resolved",
			zap.String("request_id", msg.RequestID), zap.Bool("approved", msg.Approved))
	case errors.Is(err, domain.ErrUnknownRequest):
		// Запрос висит на другом инстансе — это штатно для broadcast
	case errors.Is(err, domain.ErrInvalidTransition):
		l.logger.Debug("decision for request no longer pending",
			zap.String("request_id", msg.RequestID))
	default:
		l.logger.Error("failed to resolve approval",
			zap.String("request_id", msg.RequestID), zap.Error(err))
	}
}

func (l *Listener) handleRevocation(ctx context.Context, payload string) {
	l.logger.Info("session revoked, cancelling its requests", zap.String("session_id", payload))
	l.engine.CancelSession(ctx, payload)
}
