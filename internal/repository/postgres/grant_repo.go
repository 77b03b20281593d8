package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// SaveGrant сохраняет метаданные гранта. Сам секрет живет только в памяти
// брокера и в БД не попадает никогда.
func (s *Store) SaveGrant(ctx context.Context, g *domain.CredentialGrant) error {
	query := `
		INSERT INTO credential_grants
			(id, session_id, tool_id, scopes, single_use, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		g.ID, g.SessionID, g.ToolID, g.Scopes, g.SingleUse, g.IssuedAt, g.ExpiresAt, g.Revoked)
	if err != nil {
		return fmt.Errorf("postgres: failed to save grant: %w", err)
	}
	return nil
}

// MarkGrantRevoked помечает грант отозванным.
func (s *Store) MarkGrantRevoked(ctx context.Context, id string) error {
	query := `UPDATE credential_grants SET revoked = TRUE WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to revoke grant: %w", err)
	}
	return nil
}
