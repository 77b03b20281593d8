package classifier

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// Rule — строка таблицы политик: (tool, action) -> базовый уровень риска
// плюс контекстные условия эскалации.
type Rule struct {
	ID     string          `json:"id"`
	ToolID string          `json:"tool_id"`
	Action string          `json:"action"` // "*" — любое действие инструмента
	Tier   domain.RiskTier `json:"tier"`

	// Условия эскалации, например {"risk_field": "amount", "threshold": 1000}
	// или {"require_trust": "elevated"}. JSON позволяет ИБ-команде усложнять
	// правила без миграций схемы.
	Conditions json.RawMessage `json:"conditions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source — подключаемый источник политик (таблица в RAM, БД, внешний движок).
type Source interface {
	Lookup(toolID, action string) (*Rule, bool)
}

var errNoSource = errors.New("classifier: policy source is not configured")

// Classifier присваивает уровень риска. Чистая функция от таблицы политик и
// контекста: состояния не мутирует, результат записывает в аудит вызывающий.
type Classifier struct {
	source Source
	logger *zap.Logger
}

func New(source Source, logger *zap.Logger) *Classifier {
	return &Classifier{source: source, logger: logger.Named("classifier")}
}

// Classify возвращает уровень риска запроса. Ошибка означает, что
// классификатор не смог отработать вовсе (ClassificationFailure); любая
// неопределенность в самой классификации решается в сторону Critical —
// Fail-closed, никогда Safe по умолчанию.
func (c *Classifier) Classify(req *domain.InvocationRequest, sess *domain.Session) (domain.RiskTier, error) {
	if c.source == nil {
		return domain.TierCritical, errNoSource
	}

	rule, ok := c.source.Lookup(req.ToolID, req.Action)
	if !ok {
		// Неизвестная пара tool/action — максимальный уровень
		c.logger.Warn("unknown capability, failing closed",
			zap.String("capability", req.Capability()),
		)
		return domain.TierCritical, nil
	}

	return c.applyConditions(rule, req, sess), nil
}

type conditions struct {
	RiskField    string  `json:"risk_field"`
	Threshold    float64 `json:"threshold"`
	RequireTrust string  `json:"require_trust"`
}

func (c *Classifier) applyConditions(rule *Rule, req *domain.InvocationRequest, sess *domain.Session) domain.RiskTier {
	tier := rule.Tier
	if len(rule.Conditions) == 0 {
		return tier
	}

	var cond conditions
	if err := json.Unmarshal(rule.Conditions, &cond); err != nil {
		// Битые условия — не пропускаем «как есть», а поднимаем до Critical
		c.logger.Error("malformed policy conditions, failing closed",
			zap.String("rule_id", rule.ID), zap.Error(err))
		return domain.TierCritical
	}

	// Порог по рисковому полю (например, "amount"): превышение поднимает
	// уровень на ступень — Sensitive становится Critical
	if cond.RiskField != "" {
		var params map[string]interface{}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal request params for risk analysis",
				zap.String("invocation_id", req.ID), zap.Error(err))
			return domain.TierCritical
		}

		if rawValue, ok := params[cond.RiskField]; ok {
			// В JSON числа всегда парсятся в float64
			if val, ok := rawValue.(float64); ok && val > cond.Threshold {
				c.logger.Warn("risk threshold exceeded, escalating tier",
					zap.String("field", cond.RiskField),
					zap.Float64("value", val),
					zap.Float64("threshold", cond.Threshold),
				)
				tier = tier.Escalate()
			}
		}
	}

	// Недостаточный уровень доверия сессии также эскалирует
	if cond.RequireTrust != "" {
		required, err := domain.ParseTrustLevel(cond.RequireTrust)
		if err != nil {
			c.logger.Error("malformed require_trust condition, failing closed",
				zap.String("rule_id", rule.ID), zap.Error(err))
			return domain.TierCritical
		}
		if sess == nil || sess.TrustLevel < required {
			tier = tier.Escalate()
		}
	}

	return tier
}
