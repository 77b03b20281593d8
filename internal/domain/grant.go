package domain

import "time"

// CredentialGrant — ограниченное по scope и времени разрешение на вызов
// инструмента. Секрет, стоящий за грантом, живет только внутри брокера:
// держатели видят лишь id и декларированные scopes.
type CredentialGrant struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ToolID    string    `json:"tool_id"`
	Scopes    []string  `json:"scopes"`
	SingleUse bool      `json:"single_use"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Usable атомарность проверки обеспечивает брокер; здесь только правило.
func (g *CredentialGrant) Usable(now time.Time) bool {
	return g != nil && !g.Revoked && now.Before(g.ExpiresAt)
}

// GrantHandle — единственный артефакт, который уходит адаптеру инструмента:
// непрозрачный id + scopes + срок действия. Никаких секретов.
type GrantHandle struct {
	GrantID   string    `json:"grant_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handle строит наружное представление гранта.
func (g *CredentialGrant) Handle() *GrantHandle {
	scopes := make([]string, len(g.Scopes))
	copy(scopes, g.Scopes)
	return &GrantHandle{GrantID: g.ID, Scopes: scopes, ExpiresAt: g.ExpiresAt}
}
