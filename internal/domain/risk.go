package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskTier — уровень риска действия. Строгий порядок: Safe < Sensitive < Critical.
// Сравнение через обычные операторы (<, >=), поэтому хранится как число.
type RiskTier int8

const (
	TierSafe RiskTier = iota
	TierSensitive
	TierCritical
)

func (t RiskTier) String() string {
	switch t {
	case TierSafe:
		return "SAFE"
	case TierSensitive:
		return "SENSITIVE"
	default:
		// Всё неизвестное считаем критичным (Fail-closed)
		return "CRITICAL"
	}
}

// Escalate поднимает уровень на одну ступень. Потолок — Critical.
func (t RiskTier) Escalate() RiskTier {
	if t >= TierCritical {
		return TierCritical
	}
	return t + 1
}

// ParseTier разбирает строковое представление из БД или конфига.
// При нераспознанном значении возвращает Critical — безопасный дефолт.
func ParseTier(s string) (RiskTier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAFE":
		return TierSafe, nil
	case "SENSITIVE":
		return TierSensitive, nil
	case "CRITICAL":
		return TierCritical, nil
	}
	return TierCritical, fmt.Errorf("unknown risk tier: %q", s)
}

func (t RiskTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *RiskTier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}
