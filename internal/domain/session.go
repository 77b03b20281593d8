package domain

import (
	"fmt"
	"strings"
	"time"
)

// TrustLevel — уровень доверия сессии. Повышается только явным действием
// оператора, никогда автоматически.
type TrustLevel int8

const (
	TrustBasic TrustLevel = iota
	TrustElevated
	TrustOwner
)

func (l TrustLevel) String() string {
	switch l {
	case TrustElevated:
		return "elevated"
	case TrustOwner:
		return "owner"
	default:
		return "basic"
	}
}

func ParseTrustLevel(s string) (TrustLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return TrustBasic, nil
	case "elevated":
		return TrustElevated, nil
	case "owner":
		return TrustOwner, nil
	}
	return TrustBasic, fmt.Errorf("unknown trust level: %q", s)
}

// Session — один аутентифицированный контекст пользователя.
// Мутируется только потоком запросов самой сессии (см. SessionRegistry).
type Session struct {
	ID         string     `json:"id"`
	TrustLevel TrustLevel `json:"trust_level"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked"`
}

// Alive проверяет, что сессия жива: не отозвана и не истекла.
func (s *Session) Alive(now time.Time) bool {
	return s != nil && !s.Revoked && now.Before(s.ExpiresAt)
}
