package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// SaveRequest сохраняет снапшот состояния запроса (upsert). Параметры вызова
// в БД не попадают — только их хэш.
func (s *Store) SaveRequest(ctx context.Context, r *domain.InvocationRequest) error {
	query := `
		INSERT INTO invocation_requests
			(id, session_id, tool_id, action, param_hash, tier, state, reason, created_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			decided_at = EXCLUDED.decided_at`

	var decidedAt interface{}
	if !r.DecidedAt.IsZero() {
		decidedAt = r.DecidedAt
	}

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.SessionID, r.ToolID, r.Action, r.ParamHash,
		r.Tier.String(), string(r.State), string(r.Reason), r.CreatedAt, decidedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save request: %w", err)
	}
	return nil
}
