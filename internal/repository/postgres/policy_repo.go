package postgres

/*
Файл policy_repo.go отвечает за хранение правил классификации риска.
Данный слой отделяет долговременное хранение таблицы правил в PostgreSQL
от их мгновенной проверки в оперативной памяти классификатора (MemoSource).
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agent-supervisor/internal/classifier"
)

func (s *Store) GetRuleByID(ctx context.Context, id string) (*classifier.Rule, error) {
	query := `
		SELECT id, tool_id, action, tier, conditions, created_at, updated_at
		FROM classification_rules
		WHERE id = $1`

	r := &classifier.Rule{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.ToolID, &r.Action, &r.Tier, &r.Conditions, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // nil для 404 в хендлере
		}
		return nil, err
	}
	return r, nil
}

// GetAllRules выполняет "холодную загрузку" всей таблицы правил при старте
// и при инвалидации кэша.
func (s *Store) GetAllRules(ctx context.Context) ([]classifier.Rule, error) {
	query := `SELECT id, tool_id, action, tier, conditions, created_at, updated_at FROM classification_rules`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []classifier.Rule
	for rows.Next() {
		var r classifier.Rule
		if err := rows.Scan(&r.ID, &r.ToolID, &r.Action, &r.Tier, &r.Conditions, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateRule создает новую запись. Action = '*' задает wildcard-правило
// для всех операций инструмента.
func (s *Store) CreateRule(ctx context.Context, r *classifier.Rule) error {
	query := `
		INSERT INTO classification_rules (id, tool_id, action, tier, conditions)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, query, r.ToolID, r.Action, r.Tier, r.Conditions)
	if err != nil {
		return fmt.Errorf("postgres: failed to create rule: %w", err)
	}
	return nil
}

// UpdateRule обновляет уровень риска или условия существующего правила.
func (s *Store) UpdateRule(ctx context.Context, r *classifier.Rule) error {
	query := `
		UPDATE classification_rules
		SET tier = $1, conditions = $2, updated_at = NOW()
		WHERE id = $3`

	ct, err := s.pool.Exec(ctx, query, r.Tier, r.Conditions, r.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update rule: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: rule not found")
	}
	return nil
}

// DeleteRule удаляет правило по ID.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	query := `DELETE FROM classification_rules WHERE id = $1`

	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete rule: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: rule not found")
	}
	return nil
}
