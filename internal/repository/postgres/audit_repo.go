package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
)

// Insert — одиночная долговечная запись аудита (синхронный Append).
func (s *Store) Insert(ctx context.Context, e domain.AuditEntry) error {
	detail, _ := json.Marshal(e.Detail)

	query := `
		INSERT INTO audit_entries (id, session_id, invocation_id, event_type, actor, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.SessionID, e.InvocationID, e.EventType, e.Actor, detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert audit entry: %w", err)
	}
	return nil
}

// InsertBatch сохраняет пачку advisory-событий за один запрос (фоновый воркер).
func (s *Store) InsertBatch(ctx context.Context, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_entries
	numFields := 7
	placeholderStr := ""
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7)

		detail, _ := json.Marshal(e.Detail)
		vals = append(vals,
			e.ID, e.SessionID, e.InvocationID, e.EventType, e.Actor, detail, e.Timestamp)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO audit_entries (id, session_id, invocation_id, event_type, actor, detail, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := s.pool.Exec(ctx, query, vals...)
	return err
}

// Query — выборка по фильтру; пустые поля фильтра не участвуют в WHERE.
func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]domain.AuditEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.InvocationID != "" {
		add("invocation_id = $%d", f.InvocationID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}

	query := "SELECT id, session_id, invocation_id, event_type, actor, detail, timestamp FROM audit_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.InvocationID, &e.EventType, &e.Actor, &detail, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
