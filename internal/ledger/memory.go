package ledger

import (
	"context"
	"sync"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// MemoryStore — потокобезопасное append-only хранилище в памяти.
// Используется в тестах и в однопроцессных инсталляциях без Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]domain.AuditEntry, 0, 128)}
}

func (s *MemoryStore) Insert(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) InsertBatch(ctx context.Context, entries []domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, 0)
	for _, e := range s.entries {
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.InvocationID != "" && e.InvocationID != f.InvocationID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Len — для тестов: сколько записей легло в журнал.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
